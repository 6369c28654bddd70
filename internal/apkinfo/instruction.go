package apkinfo

import "strings"

// Kind 指令分类
type Kind int

const (
	KindOther Kind = iota
	KindInvoke
	KindMoveResult
	KindConst
	KindConstString
	KindConstClass
	KindMove
	KindNewInstance
	KindNewArray
	KindFilledNewArray
	KindArrayPut
	KindReturn
)

var kindNames = map[Kind]string{
	KindOther:          "other",
	KindInvoke:         "invoke",
	KindMoveResult:     "move-result",
	KindConst:          "const",
	KindConstString:    "const-string",
	KindConstClass:     "const-class",
	KindMove:           "move",
	KindNewInstance:    "new-instance",
	KindNewArray:       "new-array",
	KindFilledNewArray: "filled-new-array",
	KindArrayPut:       "array-put",
	KindReturn:         "return",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "other"
}

// 其余会写入第一个寄存器的指令前缀
var writingPrefixes = []string{
	"move-exception", "instance-of", "array-length",
	"const-method-handle", "const-method-type",
	"aget", "iget", "sget",
	"neg-", "not-", "int-to-", "long-to-", "float-to-", "double-to-",
	"add-", "sub-", "mul-", "div-", "rem-", "and-", "or-", "xor-", "shl-", "shr-", "ushr-",
	"rsub-", "cmp",
}

// Classify 根据 Dalvik 助记符对指令分类
func Classify(opcode string) Kind {
	switch {
	case strings.HasPrefix(opcode, "invoke-"):
		return KindInvoke
	case strings.HasPrefix(opcode, "move-result"):
		return KindMoveResult
	case strings.HasPrefix(opcode, "const-string"):
		return KindConstString
	case opcode == "const-class":
		return KindConstClass
	case opcode == "const-method-handle" || opcode == "const-method-type":
		return KindOther
	case strings.HasPrefix(opcode, "const"):
		return KindConst
	case opcode == "move-exception":
		return KindOther
	case strings.HasPrefix(opcode, "move"):
		return KindMove
	case opcode == "new-instance":
		return KindNewInstance
	case opcode == "new-array":
		return KindNewArray
	case strings.HasPrefix(opcode, "filled-new-array"):
		return KindFilledNewArray
	case strings.HasPrefix(opcode, "aput"):
		return KindArrayPut
	case strings.HasPrefix(opcode, "return"):
		return KindReturn
	}
	return KindOther
}

// Instruction 反汇编后的单条指令
type Instruction struct {
	Offset    int     `json:"offset"`
	Opcode    string  `json:"opcode"`
	Registers []int   `json:"registers,omitempty"`
	String    string  `json:"string,omitempty"`  // const-string 字面量
	Literal   int64   `json:"literal,omitempty"` // const 数值
	Target    *Method `json:"method,omitempty"`  // invoke 目标
	Type      string  `json:"type,omitempty"`    // new-instance / new-array / const-class 类型
}

// Kind 指令分类
func (i *Instruction) Kind() Kind {
	return Classify(i.Opcode)
}

// IsStatic 是否为静态调用（无接收者寄存器）
func (i *Instruction) IsStatic() bool {
	return strings.HasPrefix(i.Opcode, "invoke-static") || strings.HasPrefix(i.Opcode, "invoke-custom")
}

// Dest 返回被写入的寄存器
func (i *Instruction) Dest() (int, bool) {
	if len(i.Registers) == 0 {
		return 0, false
	}

	switch i.Kind() {
	case KindMoveResult, KindConst, KindConstString, KindConstClass, KindMove, KindNewInstance, KindNewArray:
		return i.Registers[0], true
	case KindOther:
		for _, prefix := range writingPrefixes {
			if strings.HasPrefix(i.Opcode, prefix) {
				return i.Registers[0], true
			}
		}
	}
	return 0, false
}

// Arguments 将调用指令的寄存器按描述符映射为参数寄存器（不含接收者）
// long / double 参数占用两个寄存器，只取第一个
func (i *Instruction) Arguments() ([]int, bool) {
	if i.Kind() != KindInvoke || i.Target == nil {
		return nil, false
	}

	cursor := 0
	if !i.IsStatic() {
		cursor = 1
	}

	types := ParamTypes(i.Target.Descriptor)
	args := make([]int, 0, len(types))
	for _, typ := range types {
		if cursor >= len(i.Registers) {
			return args, false
		}
		args = append(args, i.Registers[cursor])
		cursor++
		if IsWide(typ) {
			cursor++
		}
	}
	return args, true
}

// Receiver 返回实例调用的接收者寄存器
func (i *Instruction) Receiver() (int, bool) {
	if i.Kind() != KindInvoke || i.IsStatic() || len(i.Registers) == 0 {
		return 0, false
	}
	return i.Registers[0], true
}
