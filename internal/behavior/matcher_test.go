package behavior

import (
	"context"
	"testing"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo/apkinfotest"
	"github.com/apk-analysis/apk-behavior-go/internal/callgraph"
	"github.com/apk-analysis/apk-behavior-go/internal/dataflow"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var execRule = &rule.Rule{
	Crime: "Executes the specified string Linux command",
	API: []apkinfo.Pattern{
		apkinfo.ExactPattern(apkinfotest.GetRuntime),
		apkinfo.ExactPattern(apkinfotest.Exec),
	},
	Score:    1,
	Filename: "00068.json",
}

func newTestMatcher(pkg apkinfo.Package, opts Options) *Matcher {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	index := callgraph.Build(pkg)
	tracer := dataflow.NewTracer(index, dataflow.Options{MaxDepth: dataflow.DefaultMaxDepth})
	return NewMatcher(index, tracer, opts, logger)
}

// TestMatcher_Match_SingleOccurrence 测试双 API 规则命中唯一调用者
func TestMatcher_Match_SingleOccurrence(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{MaxSearchDepth: DefaultMaxSearchDepth})

	occs, err := m.Match(context.Background(), execRule)
	require.NoError(t, err)
	require.Len(t, occs, 1, "Indirect callers reaching both APIs through one call site do not match")

	occ := occs[0]
	assert.Equal(t, apkinfotest.CheckServer, occ.MethodCaller())
	assert.Equal(t, []int{0, 50}, occ.Offsets())
	assert.Equal(t, 0, occ.FirstOffset())
	assert.Equal(t, []apkinfo.Method{apkinfotest.GetRuntime, apkinfotest.Exec}, occ.APIs)
	assert.Same(t, execRule, occ.Rule)
}

// TestMatcher_Match_Evidence 测试命中的实参证据
func TestMatcher_Match_Evidence(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{MaxSearchDepth: DefaultMaxSearchDepth})

	occs, err := m.Match(context.Background(), execRule)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	occ := occs[0]

	assert.True(t, occ.HasString("ping"))
	assert.False(t, occ.HasString("PING"), "String search is case-sensitive")
	assert.Equal(t, []string{"www.baidu.com"}, occ.HasURL())

	params := occ.ParamValues()
	require.Len(t, params, 1)
	assert.Equal(t, "ping www.baidu.com", params[0].String())
	assert.Equal(t, []string{"ping www.baidu.com"}, occ.ParamStrings())
	assert.Empty(t, occ.ParamValuesAt(0), "getRuntime takes no arguments")
	assert.Nil(t, occ.ParamValuesAt(5))

	unknown, depthExceeded := occ.Unresolved()
	assert.Equal(t, 0, unknown)
	assert.Equal(t, 0, depthExceeded)
}

// TestMatcher_Match_SingleAPI 测试单 API 规则只接受直接调用者
func TestMatcher_Match_SingleAPI(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{MaxSearchDepth: 3})
	logRule := &rule.Rule{
		Crime:    "Write an error message into the system log",
		API:      []apkinfo.Pattern{{Class: "Landroid/util/Log;", Name: "e", Descriptor: "(Ljava/lang/String;Ljava/lang/String;)I"}},
		Filename: "00045.json",
	}

	occs, err := m.Match(context.Background(), logRule)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, apkinfotest.CheckServerHosts, occs[0].Caller)
	assert.Equal(t, []int{apkinfotest.LogEOffset}, occs[0].Offsets())
	assert.Equal(t, []string{"WifiCheckTask", "connect server failed"}, occs[0].ParamStrings())
}

// TestMatcher_Match_NoMatch 测试签名无法解析时返回空列表
func TestMatcher_Match_NoMatch(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{MaxSearchDepth: DefaultMaxSearchDepth})
	fileRule := &rule.Rule{
		Crime: "Read file and put it into a stream",
		API: []apkinfo.Pattern{
			{Class: "Ljava/io/File;", Name: "<init>", Descriptor: "(Ljava/lang/String;)V"},
			{Class: "Ljava/io/FileInputStream;", Name: "<init>", Descriptor: "(Ljava/io/File;)V"},
		},
		Filename: "00013.json",
	}

	occs, err := m.Match(context.Background(), fileRule)
	require.NoError(t, err)
	assert.NotNil(t, occs)
	assert.Empty(t, occs)
}

// TestMatcher_Match_Order 测试调用顺序敏感
func TestMatcher_Match_Order(t *testing.T) {
	caller := apkinfo.NewMethod("Lcom/example/Shell;", "run", "()V")
	pkg := apkinfo.NewMemoryPackage("com.example")
	pkg.AddMethod(apkinfotest.Body(caller, true, 2, 0,
		apkinfotest.ConstString(0, 1, "id"),
		apkinfotest.Invoke(4, "invoke-virtual", apkinfotest.Exec, 0, 1),
		apkinfotest.Invoke(10, "invoke-static", apkinfotest.GetRuntime),
		apkinfotest.Op(16, "move-result-object", 0),
		apkinfotest.Op(18, "return-void"),
	))

	m := newTestMatcher(pkg, Options{MaxSearchDepth: DefaultMaxSearchDepth})
	occs, err := m.Match(context.Background(), execRule)
	require.NoError(t, err)
	assert.Empty(t, occs, "exec before getRuntime is not the rule's sequence")
}

// TestMatcher_Match_Combinations 测试重复调用产生多个命中
func TestMatcher_Match_Combinations(t *testing.T) {
	caller := apkinfo.NewMethod("Lcom/example/Shell;", "runTwice", "()V")
	pkg := apkinfo.NewMemoryPackage("com.example")
	pkg.AddMethod(apkinfotest.Body(caller, true, 2, 0,
		apkinfotest.Invoke(0, "invoke-static", apkinfotest.GetRuntime),
		apkinfotest.Op(6, "move-result-object", 0),
		apkinfotest.ConstString(8, 1, "id"),
		apkinfotest.Invoke(12, "invoke-virtual", apkinfotest.Exec, 0, 1),
		apkinfotest.Invoke(18, "invoke-static", apkinfotest.GetRuntime),
		apkinfotest.Op(24, "move-result-object", 0),
		apkinfotest.ConstString(26, 1, "whoami"),
		apkinfotest.Invoke(30, "invoke-virtual", apkinfotest.Exec, 0, 1),
	))

	m := newTestMatcher(pkg, Options{MaxSearchDepth: DefaultMaxSearchDepth})
	occs, err := m.Match(context.Background(), execRule)
	require.NoError(t, err)
	require.Len(t, occs, 3)

	assert.Equal(t, []int{0, 12}, occs[0].Offsets())
	assert.Equal(t, []int{0, 30}, occs[1].Offsets())
	assert.Equal(t, []int{18, 30}, occs[2].Offsets())
	assert.Equal(t, []string{"id"}, occs[0].ParamStrings())
	assert.Equal(t, []string{"whoami"}, occs[2].ParamStrings())
}

// TestMatcher_Match_Indirect 测试通过被调方法间接到达 API
func TestMatcher_Match_Indirect(t *testing.T) {
	shell := "Lcom/example/Shell;"
	runtime := apkinfo.NewMethod(shell, "runtime", "()Ljava/lang/Runtime;")
	run := apkinfo.NewMethod(shell, "run", "(Ljava/lang/String;)V")
	main := apkinfo.NewMethod(shell, "main", "()V")

	pkg := apkinfo.NewMemoryPackage("com.example")
	pkg.AddMethod(apkinfotest.Body(runtime, true, 1, 0,
		apkinfotest.Invoke(0, "invoke-static", apkinfotest.GetRuntime),
		apkinfotest.Op(6, "move-result-object", 0),
		apkinfotest.Op(8, "return-object", 0),
	))
	pkg.AddMethod(apkinfotest.Body(run, true, 2, 1,
		apkinfotest.Invoke(0, "invoke-static", runtime),
		apkinfotest.Op(6, "move-result-object", 0),
		apkinfotest.Invoke(8, "invoke-virtual", apkinfotest.Exec, 0, 1),
		apkinfotest.Op(14, "return-void"),
	))
	pkg.AddMethod(apkinfotest.Body(main, true, 1, 0,
		apkinfotest.ConstString(0, 0, "reboot"),
		apkinfotest.Invoke(4, "invoke-static", run, 0),
		apkinfotest.Op(10, "return-void"),
	))

	direct := newTestMatcher(pkg, Options{MaxSearchDepth: 0})
	occs, err := direct.Match(context.Background(), execRule)
	require.NoError(t, err)
	assert.Empty(t, occs, "run only reaches getRuntime through a helper")

	indirect := newTestMatcher(pkg, Options{MaxSearchDepth: 1})
	occs, err = indirect.Match(context.Background(), execRule)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, run, occs[0].Caller)
	assert.Equal(t, []callgraph.Edge{
		{Caller: run, Callee: runtime, Offset: 0},
		{Caller: run, Callee: apkinfotest.Exec, Offset: 8},
	}, occs[0].Calls)
	assert.Equal(t, []apkinfo.Method{apkinfotest.GetRuntime, apkinfotest.Exec}, occs[0].APIs)
	assert.Equal(t, []string{"{p0}"}, occs[0].ParamStrings())
}

// TestMatcher_Match_ThreeAPIs 测试三个及以上签名的顺序组合
func TestMatcher_Match_ThreeAPIs(t *testing.T) {
	waitFor := apkinfo.NewMethod("Ljava/lang/Process;", "waitFor", "()I")
	shell := "Lcom/example/Shell;"
	ordered := apkinfo.NewMethod(shell, "runAndWait", "()V")
	misordered := apkinfo.NewMethod(shell, "execFirst", "()V")

	pkg := apkinfo.NewMemoryPackage("com.example")
	pkg.AddMethod(apkinfotest.Body(ordered, true, 2, 0,
		apkinfotest.Invoke(0, "invoke-static", apkinfotest.GetRuntime),
		apkinfotest.Invoke(10, "invoke-virtual", apkinfotest.Exec, 0, 1),
		apkinfotest.Invoke(20, "invoke-virtual", waitFor, 1),
		apkinfotest.Invoke(30, "invoke-virtual", apkinfotest.Exec, 0, 1),
		apkinfotest.Invoke(40, "invoke-virtual", waitFor, 1),
	))
	pkg.AddMethod(apkinfotest.Body(misordered, true, 2, 0,
		apkinfotest.Invoke(0, "invoke-virtual", apkinfotest.Exec, 0, 1),
		apkinfotest.Invoke(10, "invoke-static", apkinfotest.GetRuntime),
		apkinfotest.Invoke(20, "invoke-virtual", waitFor, 1),
	))

	tests := []struct {
		name    string
		api     []apkinfo.Method
		offsets [][]int
	}{
		{
			name:    "getRuntime exec waitFor",
			api:     []apkinfo.Method{apkinfotest.GetRuntime, apkinfotest.Exec, waitFor},
			offsets: [][]int{{0, 10, 20}, {0, 10, 40}, {0, 30, 40}},
		},
		{
			name:    "same signature twice",
			api:     []apkinfo.Method{apkinfotest.GetRuntime, apkinfotest.Exec, apkinfotest.Exec},
			offsets: [][]int{{0, 10, 30}},
		},
		{
			name:    "middle call out of order",
			api:     []apkinfo.Method{apkinfotest.Exec, apkinfotest.GetRuntime, apkinfotest.Exec},
			offsets: nil,
		},
	}

	m := newTestMatcher(pkg, Options{MaxSearchDepth: 0})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &rule.Rule{Crime: tt.name, Filename: "custom.json"}
			for _, api := range tt.api {
				r.API = append(r.API, apkinfo.ExactPattern(api))
			}

			occs, err := m.Match(context.Background(), r)
			require.NoError(t, err)
			require.Len(t, occs, len(tt.offsets))
			for i, occ := range occs {
				assert.Equal(t, ordered, occ.Caller, "execFirst calls exec before getRuntime")
				assert.Equal(t, tt.offsets[i], occ.Offsets())
				assert.Equal(t, tt.api, occ.APIs)
			}
		})
	}
}

// TestMatcher_Match_WildcardViaHelper 测试中间方法到达同一通配签名的多个目标
func TestMatcher_Match_WildcardViaHelper(t *testing.T) {
	execArray := apkinfo.NewMethod("Ljava/lang/Runtime;", "exec", "([Ljava/lang/String;)Ljava/lang/Process;")
	shell := "Lcom/example/Shell;"
	helper := apkinfo.NewMethod(shell, "both", "(Ljava/lang/Runtime;)V")
	main := apkinfo.NewMethod(shell, "main", "()V")

	pkg := apkinfo.NewMemoryPackage("com.example")
	pkg.AddMethod(apkinfotest.Body(helper, true, 3, 1,
		apkinfotest.Invoke(0, "invoke-virtual", apkinfotest.Exec, 2, 0),
		apkinfotest.Invoke(6, "invoke-virtual", execArray, 2, 1),
		apkinfotest.Op(12, "return-void"),
	))
	pkg.AddMethod(apkinfotest.Body(main, true, 1, 0,
		apkinfotest.Invoke(0, "invoke-static", apkinfotest.GetRuntime),
		apkinfotest.Op(6, "move-result-object", 0),
		apkinfotest.Invoke(8, "invoke-static", helper, 0),
		apkinfotest.Op(14, "return-void"),
	))

	r := &rule.Rule{
		Crime: "Executes a Linux command",
		API: []apkinfo.Pattern{
			apkinfo.ExactPattern(apkinfotest.GetRuntime),
			{Class: "Ljava/lang/Runtime;", Name: "exec"},
		},
		Filename: "custom.json",
	}

	m := newTestMatcher(pkg, Options{MaxSearchDepth: 1})
	occs, err := m.Match(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, occs, 2)

	for _, occ := range occs {
		assert.Equal(t, main, occ.Caller)
		assert.Equal(t, []int{0, 8}, occ.Offsets())
	}
	assert.Equal(t, []apkinfo.Method{apkinfotest.GetRuntime, apkinfotest.Exec}, occs[0].APIs)
	assert.Equal(t, []apkinfo.Method{apkinfotest.GetRuntime, execArray}, occs[1].APIs)
}

// TestMatcher_Match_Wildcard 测试通配签名匹配所有重载
func TestMatcher_Match_Wildcard(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{MaxSearchDepth: DefaultMaxSearchDepth})
	r := &rule.Rule{
		Crime:    "Check server connectivity",
		API:      []apkinfo.Pattern{{Class: apkinfotest.WifiCheckClass, Name: "checkWifiCanOrNotConnectServer"}},
		Filename: "custom.json",
	}

	occs, err := m.Match(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, occs, 3, "Each call site of a single-API rule is its own occurrence")
	assert.Equal(t, apkinfotest.CheckServerHosts, occs[0].Caller)
	assert.Equal(t, apkinfotest.Test, occs[1].Caller)
	assert.Equal(t, 0, occs[1].FirstOffset())
	assert.Equal(t, apkinfotest.CheckServer, occs[1].APIs[0])
	assert.Equal(t, 24, occs[2].FirstOffset())
	assert.Equal(t, apkinfotest.CheckServerHosts, occs[2].APIs[0])
	assert.Equal(t, []string{"[8.8.8.8]"}, occs[2].ParamStrings())
}

// TestMatcher_Match_Canceled 测试取消匹配
func TestMatcher_Match_Canceled(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{MaxSearchDepth: DefaultMaxSearchDepth})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Match(ctx, execRule)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestMatcher_Match_Deterministic 测试多次匹配结果一致
func TestMatcher_Match_Deterministic(t *testing.T) {
	m := newTestMatcher(apkinfotest.WifiCheckTask(), Options{MaxSearchDepth: 2})
	r := &rule.Rule{
		Crime:    "any string builder",
		API:      []apkinfo.Pattern{{Class: "Ljava/lang/StringBuilder;", Name: "append"}, {Class: "Ljava/lang/StringBuilder;", Name: "toString"}},
		Filename: "builder.json",
	}

	first, err := m.Match(context.Background(), r)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := m.Match(context.Background(), r)
		require.NoError(t, err)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].Caller, again[j].Caller)
			assert.Equal(t, first[j].Offsets(), again[j].Offsets())
		}
	}
}

// TestSortOccurrences 测试命中排序
func TestSortOccurrences(t *testing.T) {
	a := apkinfo.NewMethod("La;", "f", "()V")
	b := apkinfo.NewMethod("Lb;", "f", "()V")
	r1 := &rule.Rule{Filename: "00001.json"}
	r2 := &rule.Rule{Filename: "00002.json"}

	occs := []*Occurrence{
		{Rule: r1, Caller: b, Calls: []callgraph.Edge{{Offset: 0}}},
		{Rule: r2, Caller: a, Calls: []callgraph.Edge{{Offset: 4}}},
		{Rule: r1, Caller: a, Calls: []callgraph.Edge{{Offset: 4}}},
		{Rule: r1, Caller: a, Calls: []callgraph.Edge{{Offset: 2}}},
	}
	SortOccurrences(occs)

	assert.Equal(t, a, occs[0].Caller)
	assert.Equal(t, 2, occs[0].FirstOffset())
	assert.Equal(t, "00001.json", occs[1].Rule.Filename)
	assert.Equal(t, "00002.json", occs[2].Rule.Filename)
	assert.Equal(t, b, occs[3].Caller)
}
