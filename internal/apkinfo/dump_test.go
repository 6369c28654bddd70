package apkinfo_test

import (
	"strings"
	"testing"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo/apkinfotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDump 测试加载反汇编导出文件
func TestLoadDump(t *testing.T) {
	pkg, err := apkinfo.LoadDump("../../testdata/dumps/wifi.json")
	require.NoError(t, err)

	assert.Equal(t, "com.example.wifi", pkg.Name)
	assert.Len(t, pkg.Methods(), 3)

	body, err := pkg.FindMethod(apkinfotest.WifiCheckClass, "checkWifiCanOrNotConnectServer", "()Z")
	require.NoError(t, err)
	assert.Equal(t, 5, body.Registers)
	assert.Equal(t, 1, body.Ins)
	assert.Equal(t, "ping ", body.Instructions[4].String)
	assert.Equal(t, apkinfotest.Exec, *body.Instructions[12].Target)

	activities := pkg.Activities()
	require.Len(t, activities, 2)
	assert.False(t, activities[0].IsExported())
	assert.True(t, activities[1].IsExported())
}

// TestLoadDump_MatchesFixture 测试导出文件与内存样本一致
func TestLoadDump_MatchesFixture(t *testing.T) {
	pkg, err := apkinfo.LoadDump("../../testdata/dumps/wifi.json")
	require.NoError(t, err)
	fixture := apkinfotest.WifiCheckTask()

	for _, expected := range fixture.Methods() {
		body, err := pkg.FindMethod(expected.Method.Class, expected.Method.Name, expected.Method.Descriptor)
		require.NoError(t, err, expected.Method.FullName())
		require.Len(t, body.Instructions, len(expected.Instructions))
		for i := range body.Instructions {
			assert.Equal(t, expected.Instructions[i].Offset, body.Instructions[i].Offset)
			assert.Equal(t, expected.Instructions[i].Opcode, body.Instructions[i].Opcode)
		}
	}
}

// TestReadDump_Invalid 测试非法导出内容
func TestReadDump_Invalid(t *testing.T) {
	_, err := apkinfo.ReadDump(strings.NewReader("{not json"))
	assert.Error(t, err)

	_, err = apkinfo.ReadDump(strings.NewReader(`{"package":"a","methods":[{"class":"","name":"x"}]}`))
	assert.Error(t, err, "Method without identity should be rejected")
}

// TestLoadDump_Missing 测试文件不存在
func TestLoadDump_Missing(t *testing.T) {
	_, err := apkinfo.LoadDump("../../testdata/dumps/missing.json")
	assert.Error(t, err)
}

// TestMemoryPackage_FindMethod 测试精确查找方法
func TestMemoryPackage_FindMethod(t *testing.T) {
	pkg := apkinfotest.WifiCheckTask()

	body, err := pkg.FindMethod(apkinfotest.WifiCheckClass, "test", "()V")
	require.NoError(t, err)
	assert.Equal(t, apkinfotest.Test, body.Method)

	_, err = pkg.FindMethod(apkinfotest.WifiCheckClass, "test", "(I)V")
	assert.ErrorIs(t, err, apkinfo.ErrMethodNotFound)
}

// TestMemoryPackage_Strings 测试字符串常量池
func TestMemoryPackage_Strings(t *testing.T) {
	pkg := apkinfotest.WifiCheckTask()
	assert.ElementsMatch(t,
		[]string{"ping ", "www.baidu.com", "WifiCheckTask", "connect server failed", "8.8.8.8"},
		pkg.Strings())

	pkg.SetStrings([]string{"explicit"})
	assert.Equal(t, []string{"explicit"}, pkg.Strings())
}

// TestMemoryPackage_AddMethod_Replace 测试重复方法覆盖
func TestMemoryPackage_AddMethod_Replace(t *testing.T) {
	pkg := apkinfo.NewMemoryPackage("p")
	m := apkinfo.NewMethod("La;", "f", "()V")
	pkg.AddMethod(&apkinfo.MethodBody{Method: m, Registers: 1})
	pkg.AddMethod(&apkinfo.MethodBody{Method: m, Registers: 2})

	require.Len(t, pkg.Methods(), 1)
	assert.Equal(t, 2, pkg.Methods()[0].Registers)
}
