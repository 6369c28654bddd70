package dataflow

import (
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
)

// DefaultMaxDepth 跨方法回溯的默认深度
const DefaultMaxDepth = 3

// BodyLookup 方法体查询（由调用图索引提供）
type BodyLookup interface {
	Body(m apkinfo.Method) (*apkinfo.MethodBody, bool)
}

// Options 回溯配置
type Options struct {
	MaxDepth int // 跨方法回溯的最大深度，0 表示不跨方法
}

// Tracer 寄存器后向切片，无状态，可并发使用
type Tracer struct {
	bodies BodyLookup
	opts   Options
}

// NewTracer 创建回溯器
func NewTracer(bodies BodyLookup, opts Options) *Tracer {
	if opts.MaxDepth < 0 {
		opts.MaxDepth = 0
	}
	return &Tracer{bodies: bodies, opts: opts}
}

// trace 单次回溯的调用栈
type trace struct {
	depth    int
	visiting map[apkinfo.Method]bool
}

// Arguments 解析 body 中 offset 处调用指令的实参（不含接收者），按声明顺序返回
func (t *Tracer) Arguments(body *apkinfo.MethodBody, offset int) ([]Value, error) {
	idx := body.IndexOf(offset)
	if idx < 0 {
		return nil, fmt.Errorf("no instruction at offset %d in %s", offset, body.Method.FullName())
	}
	ins := &body.Instructions[idx]
	if ins.Kind() != apkinfo.KindInvoke || ins.Target == nil {
		return nil, fmt.Errorf("instruction at offset %d in %s is not a call", offset, body.Method.FullName())
	}

	st := &trace{visiting: map[apkinfo.Method]bool{body.Method: true}}
	regs, complete := ins.Arguments()
	values := make([]Value, 0, len(apkinfo.ParamTypes(ins.Target.Descriptor)))
	for _, reg := range regs {
		values = append(values, t.resolve(body, idx, reg, st))
	}
	if !complete {
		for len(values) < len(apkinfo.ParamTypes(ins.Target.Descriptor)) {
			values = append(values, NewUnknown(ReasonMissingOperand))
		}
	}
	return values, nil
}

// Receiver 解析 offset 处实例调用的接收者
func (t *Tracer) Receiver(body *apkinfo.MethodBody, offset int) (Value, bool) {
	idx := body.IndexOf(offset)
	if idx < 0 {
		return Value{}, false
	}
	reg, ok := body.Instructions[idx].Receiver()
	if !ok {
		return Value{}, false
	}
	st := &trace{visiting: map[apkinfo.Method]bool{body.Method: true}}
	return t.resolve(body, idx, reg, st), true
}

// Register 解析 body 中第 pos 条指令执行前寄存器 reg 的值
func (t *Tracer) Register(body *apkinfo.MethodBody, pos, reg int) Value {
	st := &trace{visiting: map[apkinfo.Method]bool{body.Method: true}}
	return t.resolve(body, pos, reg, st)
}

// findWriter 从 pos 向方法入口回溯，返回最后一次写入 reg 的指令下标
func findWriter(body *apkinfo.MethodBody, pos, reg int) int {
	for k := pos - 1; k >= 0; k-- {
		if dest, ok := body.Instructions[k].Dest(); ok && dest == reg {
			return k
		}
	}
	return -1
}

func (t *Tracer) resolve(body *apkinfo.MethodBody, pos, reg int, st *trace) Value {
	k := findWriter(body, pos, reg)
	if k < 0 {
		if p, ok := body.ParamIndex(reg); ok {
			return NewParameter(p)
		}
		return NewUnknown(ReasonUnwritten)
	}

	ins := &body.Instructions[k]
	switch ins.Kind() {
	case apkinfo.KindConstString:
		return NewLiteral(ins.String)
	case apkinfo.KindConst:
		return NewNumber(ins.Literal)
	case apkinfo.KindConstClass:
		return NewLiteral(ins.Type)
	case apkinfo.KindMove:
		if len(ins.Registers) < 2 {
			return NewUnknown(ReasonMissingOperand)
		}
		return t.resolve(body, k, ins.Registers[1], st)
	case apkinfo.KindNewInstance:
		if isBuilder(ins.Type) {
			return t.resolveBuilder(body, k, pos, reg, st)
		}
		return NewUnknown("new-instance " + ins.Type)
	case apkinfo.KindNewArray:
		return t.resolveArray(body, k, pos, st)
	case apkinfo.KindMoveResult:
		if k == 0 {
			return NewUnknown(ReasonMissingOperand)
		}
		producer := &body.Instructions[k-1]
		switch producer.Kind() {
		case apkinfo.KindFilledNewArray:
			elems := make([]Value, len(producer.Registers))
			for i, r := range producer.Registers {
				elems[i] = t.resolve(body, k-1, r, st)
			}
			return NewArray(elems...)
		case apkinfo.KindInvoke:
			return t.resolveCall(body, k-1, st)
		}
		return NewUnknown(ReasonMissingOperand)
	}

	return NewUnknown(ReasonUnsupported + ": " + ins.Opcode)
}

func isBuilder(class string) bool {
	return class == "Ljava/lang/StringBuilder;" || class == "Ljava/lang/StringBuffer;"
}

// resolveCall 解析调用指令的返回值
func (t *Tracer) resolveCall(body *apkinfo.MethodBody, idx int, st *trace) Value {
	ins := &body.Instructions[idx]
	target := ins.Target
	if target == nil {
		return NewUnknown(ReasonMissingOperand)
	}
	args, _ := ins.Arguments()
	recv, hasRecv := ins.Receiver()

	switch {
	case isBuilder(target.Class) && (target.Name == "toString" || target.Name == "append"):
		if !hasRecv {
			return NewUnknown(ReasonMissingOperand)
		}
		// append 返回 builder 自身，内容包含本次追加
		end := idx
		if target.Name == "append" {
			end = idx + 1
		}
		return t.resolveBuilder(body, -1, end, recv, st)

	case target.Class == "Ljava/lang/String;" && target.Name == "concat" && hasRecv && len(args) == 1:
		return NewConcat(t.resolve(body, idx, recv, st), t.resolve(body, idx, args[0], st))

	case target.Class == "Ljava/lang/String;" && target.Name == "valueOf" && len(args) == 1:
		return t.resolve(body, idx, args[0], st)
	}

	return t.resolveReturn(body, idx, st)
}

// resolveReturn 跨方法回溯被调方法的返回值
func (t *Tracer) resolveReturn(body *apkinfo.MethodBody, idx int, st *trace) Value {
	ins := &body.Instructions[idx]
	callee := *ins.Target

	calleeBody, ok := t.bodies.Body(callee)
	if !ok {
		return NewUnknown(ReasonExternalCall + ": " + callee.FullName())
	}
	if st.depth >= t.opts.MaxDepth {
		return NewUnknown(ReasonDepthExceeded)
	}
	if st.visiting[callee] {
		return NewUnknown(ReasonRecursive)
	}

	st.depth++
	st.visiting[callee] = true
	result := t.returnValue(calleeBody, st)
	st.depth--
	delete(st.visiting, callee)

	// 被调方法内的 pN 对应调用指令的第 N 个寄存器
	return result.substitute(func(index int) Value {
		if index < 0 || index >= len(ins.Registers) {
			return NewUnknown(ReasonMissingOperand)
		}
		return t.resolve(body, idx, ins.Registers[index], st)
	})
}

// returnValue 合并被调方法所有 return 的值，取值不一致时视为未知
func (t *Tracer) returnValue(calleeBody *apkinfo.MethodBody, st *trace) Value {
	var (
		result Value
		found  bool
	)
	for k := range calleeBody.Instructions {
		ret := &calleeBody.Instructions[k]
		if ret.Kind() != apkinfo.KindReturn || len(ret.Registers) == 0 {
			continue
		}

		v := t.resolve(calleeBody, k, ret.Registers[0], st)
		if !found {
			result, found = v, true
			continue
		}
		if !equalValues(result, v) {
			return NewUnknown(ReasonAmbiguous)
		}
	}
	if !found {
		return NewUnknown(ReasonUnsupported + ": no return value")
	}
	return result
}

// resolveBuilder 还原 StringBuilder / StringBuffer 的内容
// origin 为 new-instance 指令下标，未知时从 reg 向前追溯
func (t *Tracer) resolveBuilder(body *apkinfo.MethodBody, origin, end, reg int, st *trace) Value {
	if origin < 0 {
		origin = t.builderOrigin(body, end, reg)
		if origin < 0 {
			return t.resolve(body, end, reg, st)
		}
	}

	aliases := map[int]bool{body.Instructions[origin].Registers[0]: true}
	var parts []Value

	for k := origin + 1; k < end; k++ {
		ins := &body.Instructions[k]

		if ins.Kind() == apkinfo.KindInvoke && ins.Target != nil && isBuilder(ins.Target.Class) {
			recv, ok := ins.Receiver()
			if ok && aliases[recv] {
				args, _ := ins.Arguments()
				types := apkinfo.ParamTypes(ins.Target.Descriptor)
				switch ins.Target.Name {
				case "<init>":
					if len(args) == 1 && types[0] != "I" {
						parts = append(parts, t.builderPart(body, k, args[0], types[0], st))
					}
				case "append":
					if len(args) == 1 {
						parts = append(parts, t.builderPart(body, k, args[0], types[0], st))
					}
					if k+1 < end && body.Instructions[k+1].Kind() == apkinfo.KindMoveResult {
						if dest, ok := body.Instructions[k+1].Dest(); ok {
							aliases[dest] = true
							k++
						}
					}
				}
				continue
			}
		}

		dest, writes := ins.Dest()
		if !writes {
			continue
		}
		if ins.Kind() == apkinfo.KindMove && len(ins.Registers) > 1 && aliases[ins.Registers[1]] {
			aliases[dest] = true
			continue
		}
		delete(aliases, dest)
	}

	return NewConcat(parts...)
}

// builderOrigin 沿 move / append 结果回溯到 builder 的 new-instance
func (t *Tracer) builderOrigin(body *apkinfo.MethodBody, pos, reg int) int {
	for steps := 0; steps < len(body.Instructions); steps++ {
		k := findWriter(body, pos, reg)
		if k < 0 {
			return -1
		}
		ins := &body.Instructions[k]
		switch ins.Kind() {
		case apkinfo.KindNewInstance:
			if isBuilder(ins.Type) {
				return k
			}
			return -1
		case apkinfo.KindMove:
			if len(ins.Registers) < 2 {
				return -1
			}
			pos, reg = k, ins.Registers[1]
		case apkinfo.KindMoveResult:
			if k == 0 {
				return -1
			}
			producer := &body.Instructions[k-1]
			if producer.Kind() != apkinfo.KindInvoke || producer.Target == nil ||
				!isBuilder(producer.Target.Class) || producer.Target.Name != "append" {
				return -1
			}
			recv, ok := producer.Receiver()
			if !ok {
				return -1
			}
			pos, reg = k-1, recv
		default:
			return -1
		}
	}
	return -1
}

// builderPart 解析 append 的参数，char 常量转为字符
func (t *Tracer) builderPart(body *apkinfo.MethodBody, pos, reg int, typ string, st *trace) Value {
	v := t.resolve(body, pos, reg, st)
	if typ == "C" && v.Kind == Number {
		return NewLiteral(string(rune(v.Num)))
	}
	if typ == "Z" && v.Kind == Number {
		if v.Num != 0 {
			return NewLiteral("true")
		}
		return NewLiteral("false")
	}
	return v
}

// resolveArray 还原 new-array 之后通过 aput 写入的元素
func (t *Tracer) resolveArray(body *apkinfo.MethodBody, origin, end int, st *trace) Value {
	newArray := &body.Instructions[origin]
	size := 0
	if len(newArray.Registers) > 1 {
		if n := t.resolve(body, origin, newArray.Registers[1], st); n.Kind == Number && n.Num > 0 && n.Num < 1<<16 {
			size = int(n.Num)
		}
	}

	aliases := map[int]bool{newArray.Registers[0]: true}
	elems := make(map[int]Value)
	for k := origin + 1; k < end; k++ {
		ins := &body.Instructions[k]
		if ins.Kind() == apkinfo.KindArrayPut && len(ins.Registers) == 3 && aliases[ins.Registers[1]] {
			idx := t.resolve(body, k, ins.Registers[2], st)
			if idx.Kind == Number && idx.Num >= 0 && idx.Num < 1<<16 {
				elems[int(idx.Num)] = t.resolve(body, k, ins.Registers[0], st)
				if int(idx.Num) >= size {
					size = int(idx.Num) + 1
				}
			}
			continue
		}

		dest, writes := ins.Dest()
		if !writes {
			continue
		}
		if ins.Kind() == apkinfo.KindMove && len(ins.Registers) > 1 && aliases[ins.Registers[1]] {
			aliases[dest] = true
			continue
		}
		delete(aliases, dest)
	}

	values := make([]Value, size)
	for i := range values {
		if v, ok := elems[i]; ok {
			values[i] = v
		} else {
			values[i] = NewUnknown("unassigned_element")
		}
	}
	return NewArray(values...)
}

// Literals 返回方法体中的所有 const-string 字面量
func Literals(body *apkinfo.MethodBody) []string {
	var strs []string
	for i := range body.Instructions {
		if body.Instructions[i].Kind() == apkinfo.KindConstString {
			strs = append(strs, body.Instructions[i].String)
		}
	}
	return strs
}

// Describe 生成便于日志输出的值列表
func Describe(values []Value) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}
