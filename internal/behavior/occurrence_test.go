package behavior

import (
	"context"
	"sync"
	"testing"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo/apkinfotest"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	openConnection = apkinfo.NewMethod("Ljava/net/URL;", "openConnection", "()Ljava/net/URLConnection;")
	urlInit        = apkinfo.NewMethod("Ljava/net/URL;", "<init>", "(Ljava/lang/String;)V")
	connectRule    = &rule.Rule{
		Crime:    "Connect to a URL",
		API:      []apkinfo.Pattern{apkinfo.ExactPattern(urlInit), apkinfo.ExactPattern(openConnection)},
		Filename: "00109.json",
	}
)

// urlPackage upload(String) 通过 helper 拼接 URL，并在自身方法体中连接
func urlPackage() *apkinfo.MemoryPackage {
	class := "Lcom/example/Uploader;"
	endpoint := apkinfo.NewMethod(class, "endpoint", "()Ljava/lang/String;")
	upload := apkinfo.NewMethod(class, "upload", "(Ljava/lang/String;)V")

	pkg := apkinfo.NewMemoryPackage("com.example")
	pkg.AddMethod(apkinfotest.Body(endpoint, true, 1, 0,
		apkinfotest.ConstString(0, 0, "https://upload.example.com/v1"),
		apkinfotest.Op(4, "return-object", 0),
	))
	pkg.AddMethod(apkinfotest.Body(upload, true, 4, 1,
		apkinfotest.Typed(0, "new-instance", "Ljava/lang/StringBuilder;", 0),
		apkinfotest.Invoke(4, "invoke-direct", apkinfotest.BuilderInit, 0),
		apkinfotest.Invoke(10, "invoke-static", endpoint),
		apkinfotest.Op(16, "move-result-object", 1),
		apkinfotest.Invoke(18, "invoke-virtual", apkinfotest.BuilderAppend, 0, 1),
		apkinfotest.Invoke(24, "invoke-virtual", apkinfotest.BuilderAppend, 0, 3),
		apkinfotest.Invoke(30, "invoke-virtual", apkinfotest.BuilderString, 0),
		apkinfotest.Op(36, "move-result-object", 1),
		apkinfotest.Typed(38, "new-instance", "Ljava/net/URL;", 2),
		apkinfotest.Invoke(42, "invoke-direct", urlInit, 2, 1),
		apkinfotest.Invoke(48, "invoke-virtual", openConnection, 2),
		apkinfotest.Op(54, "move-result-object", 1),
		apkinfotest.Op(56, "return-void"),
	))
	return pkg
}

// TestOccurrence_PartialEvidence 测试部分解析的拼接
func TestOccurrence_PartialEvidence(t *testing.T) {
	m := newTestMatcher(urlPackage(), Options{MaxSearchDepth: DefaultMaxSearchDepth})

	occs, err := m.Match(context.Background(), connectRule)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	occ := occs[0]

	url := occ.ParamValuesAt(0)
	require.Len(t, url, 1)
	assert.Equal(t, "https://upload.example.com/v1{p0}", url[0].String())
	assert.False(t, url[0].IsResolved())

	assert.Equal(t, []string{"https://upload.example.com/v1"}, occ.HasURL())
	assert.True(t, occ.HasString("upload.example.com"))
	assert.Empty(t, occ.ParamValues(), "openConnection takes no arguments")

	unknown, depthExceeded := occ.Unresolved()
	assert.Equal(t, 1, unknown)
	assert.Equal(t, 0, depthExceeded)
}

// TestOccurrence_HasURL_Literals 测试间接命中时收集被调方法中的字面量
func TestOccurrence_HasURL_Literals(t *testing.T) {
	class := "Lcom/example/Beacon;"
	send := apkinfo.NewMethod(class, "send", "()V")
	report := apkinfo.NewMethod(class, "report", "()V")
	connect := apkinfo.NewMethod(class, "connect", "()V")

	pkg := apkinfo.NewMemoryPackage("com.example")
	pkg.AddMethod(apkinfotest.Body(send, true, 2, 0,
		apkinfotest.Typed(0, "new-instance", "Ljava/net/URL;", 0),
		apkinfotest.ConstString(4, 1, "http://beacon.example.org/ping"),
		apkinfotest.Invoke(8, "invoke-direct", urlInit, 0, 1),
		apkinfotest.Op(14, "return-void"),
	))
	pkg.AddMethod(apkinfotest.Body(connect, true, 2, 0,
		apkinfotest.ConstString(0, 1, "www.mirror.example.org"),
		apkinfotest.Invoke(4, "invoke-virtual", openConnection, 0),
		apkinfotest.Op(10, "return-void"),
	))
	pkg.AddMethod(apkinfotest.Body(report, true, 1, 0,
		apkinfotest.Invoke(0, "invoke-static", send),
		apkinfotest.Invoke(6, "invoke-static", connect),
		apkinfotest.Op(12, "return-void"),
	))

	m := newTestMatcher(pkg, Options{MaxSearchDepth: 1})
	occs, err := m.Match(context.Background(), connectRule)
	require.NoError(t, err)
	require.Len(t, occs, 1)

	occ := occs[0]
	assert.Equal(t, report, occ.Caller)
	assert.Equal(t, []string{"http://beacon.example.org/ping", "www.mirror.example.org"}, occ.HasURL())
	assert.False(t, occ.HasString("beacon"), "Callee literals are URL evidence only")
}

// TestOccurrence_ConcurrentResolve 测试并发访问证据只解析一次
func TestOccurrence_ConcurrentResolve(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{MaxSearchDepth: DefaultMaxSearchDepth})
	occs, err := m.Match(context.Background(), execRule)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	occ := occs[0]

	var wg sync.WaitGroup
	results := make([][]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = occ.ParamStrings()
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, []string{"ping www.baidu.com"}, r)
	}
}

// TestOccurrence_HasURL_Transitive 测试间接命中时收集中间方法中的字符串常量
func TestOccurrence_HasURL_Transitive(t *testing.T) {
	class := "Lcom/example/Dropper;"
	main := apkinfo.NewMethod(class, "main", "()V")
	helper := apkinfo.NewMethod(class, "helper", "()V")
	deep := apkinfo.NewMethod(class, "deep", "()Ljava/lang/Runtime;")
	unrelated := apkinfo.NewMethod(class, "unrelated", "()V")

	pkg := apkinfo.NewMemoryPackage("com.example")
	pkg.AddMethod(apkinfotest.Body(deep, true, 2, 0,
		apkinfotest.ConstString(0, 1, "http://evil.example.com/x"),
		apkinfotest.Invoke(4, "invoke-static", apkinfotest.GetRuntime),
		apkinfotest.Op(10, "move-result-object", 0),
		apkinfotest.Op(12, "return-object", 0),
	))
	pkg.AddMethod(apkinfotest.Body(unrelated, true, 1, 0,
		apkinfotest.ConstString(0, 0, "http://noise.example.com/"),
		apkinfotest.Op(4, "return-void"),
	))
	pkg.AddMethod(apkinfotest.Body(helper, true, 1, 0,
		apkinfotest.Invoke(0, "invoke-static", deep),
		apkinfotest.Invoke(6, "invoke-static", unrelated),
		apkinfotest.Op(12, "return-void"),
	))
	pkg.AddMethod(apkinfotest.Body(main, true, 2, 0,
		apkinfotest.Invoke(0, "invoke-static", helper),
		apkinfotest.ConstString(6, 1, "id"),
		apkinfotest.Invoke(10, "invoke-virtual", apkinfotest.Exec, 0, 1),
		apkinfotest.Op(16, "return-void"),
	))

	m := newTestMatcher(pkg, Options{MaxSearchDepth: 2})
	r := &rule.Rule{
		Crime: "Executes the specified string Linux command",
		API: []apkinfo.Pattern{
			apkinfo.ExactPattern(apkinfotest.GetRuntime),
			apkinfo.ExactPattern(apkinfotest.Exec),
		},
		Filename: "00068.json",
	}
	occs, err := m.Match(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, occs, 1)

	occ := occs[0]
	assert.Equal(t, main, occ.Caller)
	assert.Equal(t, []int{0, 10}, occ.Offsets())
	assert.Equal(t, []string{"http://evil.example.com/x"}, occ.HasURL(), "Only methods on the path to getRuntime contribute")
}

// TestOccurrence_NoURL 测试无 URL 时返回空列表
func TestOccurrence_NoURL(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{})
	occs, err := m.Match(context.Background(), &rule.Rule{
		Crime:    "log",
		API:      []apkinfo.Pattern{apkinfo.ExactPattern(apkinfotest.LogE)},
		Filename: "00045.json",
	})
	require.NoError(t, err)
	require.Len(t, occs, 1)

	urls := occs[0].HasURL()
	assert.NotNil(t, urls)
	assert.Empty(t, urls)
}

// TestOccurrence_Evidence 测试命中快照
func TestOccurrence_Evidence(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{MaxSearchDepth: DefaultMaxSearchDepth})

	occs, err := m.Match(context.Background(), execRule)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	occ := occs[0]

	assert.Equal(t, apkinfotest.GetRuntime, occ.FirstAPI())
	assert.Equal(t, apkinfotest.Exec, occ.SecondAPI())

	ev := occ.Evidence()
	assert.Equal(t, "00068.json", ev.Rule)
	assert.Equal(t, "Executes the specified string Linux command", ev.Crime)
	assert.Equal(t, apkinfotest.CheckServer.FullName(), ev.Caller)
	assert.Equal(t, []string{apkinfotest.GetRuntime.FullName(), apkinfotest.Exec.FullName()}, ev.APIs)
	assert.Equal(t, []int{0, 50}, ev.Offsets)
	assert.Equal(t, [][]string{{}, {"ping www.baidu.com"}}, ev.Params)
	assert.Equal(t, []string{"www.baidu.com"}, ev.URLs)
	assert.Zero(t, ev.Unresolved)
}

// TestOccurrence_SecondAPI_Empty 测试没有 API 时返回零值
func TestOccurrence_SecondAPI_Empty(t *testing.T) {
	occ := &Occurrence{}
	assert.True(t, occ.FirstAPI().IsZero())
	assert.True(t, occ.SecondAPI().IsZero())
}
