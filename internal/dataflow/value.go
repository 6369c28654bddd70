package dataflow

import (
	"strconv"
	"strings"
)

// ValueKind 解析结果类型
type ValueKind int

const (
	Unknown   ValueKind = iota // 无法解析
	Literal                    // 字符串或类型字面量
	Number                     // 数值常量
	Parameter                  // 方法参数占位符
	Concat                     // 字符串拼接
	Array                      // 数组
)

// 无法解析的原因
const (
	ReasonUnwritten      = "unwritten_register"
	ReasonDepthExceeded  = "depth_exceeded"
	ReasonRecursive      = "recursive_call"
	ReasonExternalCall   = "external_call"
	ReasonAmbiguous      = "ambiguous_return"
	ReasonUnsupported    = "unsupported_instruction"
	ReasonMissingOperand = "missing_operand"
)

// Value 回溯得到的符号值
type Value struct {
	Kind   ValueKind `json:"kind"`
	Str    string    `json:"str,omitempty"`
	Num    int64     `json:"num,omitempty"`
	Index  int       `json:"index,omitempty"` // 参数寄存器编号
	Parts  []Value   `json:"parts,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// NewLiteral 字面量
func NewLiteral(s string) Value {
	return Value{Kind: Literal, Str: s}
}

// NewNumber 数值
func NewNumber(n int64) Value {
	return Value{Kind: Number, Num: n}
}

// NewParameter 参数占位符
func NewParameter(index int) Value {
	return Value{Kind: Parameter, Index: index}
}

// NewUnknown 无法解析的值
func NewUnknown(reason string) Value {
	return Value{Kind: Unknown, Reason: reason}
}

// NewConcat 拼接，单个片段时直接返回该片段
func NewConcat(parts ...Value) Value {
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 0 {
		return NewLiteral("")
	}
	return Value{Kind: Concat, Parts: parts}
}

// NewArray 数组
func NewArray(elems ...Value) Value {
	return Value{Kind: Array, Parts: elems}
}

func (v Value) String() string {
	switch v.Kind {
	case Literal:
		return v.Str
	case Number:
		return strconv.FormatInt(v.Num, 10)
	case Parameter:
		return "{p" + strconv.Itoa(v.Index) + "}"
	case Concat:
		var sb strings.Builder
		for _, p := range v.Parts {
			sb.WriteString(p.String())
		}
		return sb.String()
	case Array:
		elems := make([]string, len(v.Parts))
		for i, p := range v.Parts {
			elems[i] = p.String()
		}
		return "[" + strings.Join(elems, ", ") + "]"
	}
	return "{unknown}"
}

// IsResolved 值及其所有片段均已解析为常量
func (v Value) IsResolved() bool {
	switch v.Kind {
	case Literal, Number:
		return true
	case Concat, Array:
		for _, p := range v.Parts {
			if !p.IsResolved() {
				return false
			}
		}
		return true
	}
	return false
}

// Segments 展开为连续的已解析文本片段，遇到未解析部分时断开
func (v Value) Segments() []string {
	var (
		segs    []string
		current strings.Builder
		open    bool
	)
	cut := func() {
		if open {
			segs = append(segs, current.String())
			current.Reset()
			open = false
		}
	}

	var walk func(Value)
	walk = func(v Value) {
		switch v.Kind {
		case Literal, Number:
			current.WriteString(v.String())
			open = true
		case Concat:
			for _, p := range v.Parts {
				walk(p)
			}
		case Array:
			cut()
			for _, p := range v.Parts {
				walk(p)
				cut()
			}
		default:
			cut()
		}
	}
	walk(v)
	cut()

	return segs
}

// Contains 任一已解析片段包含 sub（区分大小写）
func (v Value) Contains(sub string) bool {
	for _, seg := range v.Segments() {
		if strings.Contains(seg, sub) {
			return true
		}
	}
	return false
}

// HasReason 值中是否存在指定原因的未解析片段
func (v Value) HasReason(reason string) bool {
	if v.Kind == Unknown {
		return strings.HasPrefix(v.Reason, reason)
	}
	for _, p := range v.Parts {
		if p.HasReason(reason) {
			return true
		}
	}
	return false
}

// substitute 用调用方实参替换被调方法中的参数占位符
func (v Value) substitute(args func(index int) Value) Value {
	switch v.Kind {
	case Parameter:
		return args(v.Index)
	case Concat, Array:
		parts := make([]Value, len(v.Parts))
		for i, p := range v.Parts {
			parts[i] = p.substitute(args)
		}
		return Value{Kind: v.Kind, Parts: parts}
	}
	return v
}

func equalValues(a, b Value) bool {
	if a.Kind != b.Kind || a.Str != b.Str || a.Num != b.Num || a.Index != b.Index || a.Reason != b.Reason {
		return false
	}
	if len(a.Parts) != len(b.Parts) {
		return false
	}
	for i := range a.Parts {
		if !equalValues(a.Parts[i], b.Parts[i]) {
			return false
		}
	}
	return true
}
