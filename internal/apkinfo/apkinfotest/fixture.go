// Package apkinfotest 提供测试用的反汇编样本与指令构造函数
package apkinfotest

import (
	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/manifest"
)

// 样本中使用的方法
var (
	WifiCheckClass = "Lcom/example/wifi/WifiCheckTask;"

	// CheckServer 通过 Runtime.exec 执行 "ping www.baidu.com"
	CheckServer = apkinfo.NewMethod(WifiCheckClass, "checkWifiCanOrNotConnectServer", "()Z")
	// CheckServerHosts 遍历参数中的主机，失败时调用 Log.e
	CheckServerHosts = apkinfo.NewMethod(WifiCheckClass, "checkWifiCanOrNotConnectServer", "([Ljava/lang/String;)Z")
	// Test 依次调用上面两个方法
	Test = apkinfo.NewMethod(WifiCheckClass, "test", "()V")

	GetRuntime    = apkinfo.NewMethod("Ljava/lang/Runtime;", "getRuntime", "()Ljava/lang/Runtime;")
	Exec          = apkinfo.NewMethod("Ljava/lang/Runtime;", "exec", "(Ljava/lang/String;)Ljava/lang/Process;")
	LogE          = apkinfo.NewMethod("Landroid/util/Log;", "e", "(Ljava/lang/String; Ljava/lang/String;)I")
	TextIsEmpty   = apkinfo.NewMethod("Landroid/text/TextUtils;", "isEmpty", "(Ljava/lang/CharSequence;)Z")
	BuilderInit   = apkinfo.NewMethod("Ljava/lang/StringBuilder;", "<init>", "()V")
	BuilderAppend = apkinfo.NewMethod("Ljava/lang/StringBuilder;", "append", "(Ljava/lang/String;)Ljava/lang/StringBuilder;")
	BuilderString = apkinfo.NewMethod("Ljava/lang/StringBuilder;", "toString", "()Ljava/lang/String;")
)

// LogEOffset CheckServerHosts 中调用 Log.e 的偏移
const LogEOffset = 116

// Invoke 构造调用指令
func Invoke(offset int, opcode string, target apkinfo.Method, regs ...int) apkinfo.Instruction {
	t := target
	return apkinfo.Instruction{Offset: offset, Opcode: opcode, Registers: regs, Target: &t}
}

// ConstString 构造 const-string 指令
func ConstString(offset, reg int, s string) apkinfo.Instruction {
	return apkinfo.Instruction{Offset: offset, Opcode: "const-string", Registers: []int{reg}, String: s}
}

// Const 构造 const 指令
func Const(offset, reg int, n int64) apkinfo.Instruction {
	return apkinfo.Instruction{Offset: offset, Opcode: "const/4", Registers: []int{reg}, Literal: n}
}

// Op 构造其他指令
func Op(offset int, opcode string, regs ...int) apkinfo.Instruction {
	return apkinfo.Instruction{Offset: offset, Opcode: opcode, Registers: regs}
}

// Typed 构造带类型的指令（new-instance / new-array / const-class）
func Typed(offset int, opcode, typ string, regs ...int) apkinfo.Instruction {
	return apkinfo.Instruction{Offset: offset, Opcode: opcode, Registers: regs, Type: typ}
}

// Body 构造方法体
func Body(m apkinfo.Method, static bool, registers, ins int, instructions ...apkinfo.Instruction) *apkinfo.MethodBody {
	body := &apkinfo.MethodBody{
		Method:       m,
		Registers:    registers,
		Ins:          ins,
		Instructions: instructions,
	}
	if static {
		body.AccessFlags |= apkinfo.AccessStatic
	}
	return body
}

// WifiCheckTask 返回包含 WifiCheckTask 样本的包
func WifiCheckTask() *apkinfo.MemoryPackage {
	pkg := apkinfo.NewMemoryPackage("com.example.wifi")

	// v4 = this
	pkg.AddMethod(Body(CheckServer, false, 5, 1,
		Invoke(0, "invoke-static", GetRuntime),
		Op(6, "move-result-object", 0),
		Typed(8, "new-instance", "Ljava/lang/StringBuilder;", 1),
		Invoke(12, "invoke-direct", BuilderInit, 1),
		ConstString(18, 2, "ping "),
		Invoke(22, "invoke-virtual", BuilderAppend, 1, 2),
		Op(28, "move-result-object", 1),
		ConstString(30, 2, "www.baidu.com"),
		Invoke(34, "invoke-virtual", BuilderAppend, 1, 2),
		Op(40, "move-result-object", 1),
		Invoke(42, "invoke-virtual", BuilderString, 1),
		Op(48, "move-result-object", 1),
		Invoke(50, "invoke-virtual", Exec, 0, 1),
		Op(56, "move-result-object", 0),
		Const(58, 3, 1),
		Op(60, "return", 3),
	))

	// v4 = this, v5 = hosts
	pkg.AddMethod(Body(CheckServerHosts, false, 6, 2,
		ConstString(0, 0, "WifiCheckTask"),
		Const(4, 1, 0),
		Op(6, "aget-object", 2, 5, 1),
		Invoke(10, "invoke-static", TextIsEmpty, 2),
		Op(16, "move-result", 3),
		Op(18, "if-eqz", 3),
		Invoke(22, "invoke-virtual", CheckServer, 4),
		Op(28, "move-result", 3),
		Op(30, "if-nez", 3),
		Op(34, "goto"),
		ConstString(112, 2, "connect server failed"),
		Invoke(LogEOffset, "invoke-static", LogE, 0, 2),
		Const(122, 3, 0),
		Op(124, "return", 3),
	))

	// v3 = this
	pkg.AddMethod(Body(Test, false, 4, 1,
		Invoke(0, "invoke-virtual", CheckServer, 3),
		Op(6, "move-result", 0),
		Const(8, 0, 1),
		Typed(10, "new-array", "[Ljava/lang/String;", 0, 0),
		Const(14, 1, 0),
		ConstString(16, 2, "8.8.8.8"),
		Op(20, "aput-object", 2, 0, 1),
		Invoke(24, "invoke-virtual", CheckServerHosts, 3, 0),
		Op(30, "move-result", 0),
		Op(32, "return-void"),
	))

	exported := true
	pkg.SetActivities([]manifest.Activity{
		{Name: "com.example.wifi.MainActivity"},
		{
			Name:     "com.example.wifi.LauncherActivity",
			Exported: &exported,
			IntentFilters: []manifest.IntentFilter{{
				Actions:    []string{"android.intent.action.MAIN"},
				Categories: []string{"android.intent.category.LAUNCHER"},
			}},
		},
	})

	return pkg
}
