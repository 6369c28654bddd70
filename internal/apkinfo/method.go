package apkinfo

import (
	"errors"
	"strings"
)

// ErrMethodNotFound 包内不存在该方法
var ErrMethodNotFound = errors.New("method not found")

// Method 方法标识（类描述符、方法名、类型描述符）
// 值类型，可直接作为 map key 使用
type Method struct {
	Class      string `json:"class"`
	Name       string `json:"name"`
	Descriptor string `json:"descriptor"`
}

// NewMethod 创建方法标识
func NewMethod(class, name, descriptor string) Method {
	return Method{Class: class, Name: name, Descriptor: descriptor}
}

// FullName 返回 "class name descriptor" 形式的完整名称
func (m Method) FullName() string {
	return m.Class + " " + m.Name + " " + m.Descriptor
}

func (m Method) String() string {
	return m.FullName()
}

// IsZero 是否为空标识
func (m Method) IsZero() bool {
	return m == Method{}
}

// Compare 按 class、name、descriptor 依次比较
func Compare(a, b Method) int {
	if c := strings.Compare(a.Class, b.Class); c != 0 {
		return c
	}
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return strings.Compare(a.Descriptor, b.Descriptor)
}

// ParamTypes 解析描述符中的参数类型列表
// 兼容 androguard 风格的空格分隔写法，例如 "(Ljava/lang/String; Ljava/lang/String;)I"
func ParamTypes(descriptor string) []string {
	start := strings.IndexByte(descriptor, '(')
	end := strings.LastIndexByte(descriptor, ')')
	if start < 0 || end < start {
		return nil
	}

	var types []string
	body := descriptor[start+1 : end]
	for i := 0; i < len(body); {
		if body[i] == ' ' {
			i++
			continue
		}

		j := i
		for j < len(body) && body[j] == '[' {
			j++
		}
		if j >= len(body) {
			break
		}
		if body[j] == 'L' {
			k := strings.IndexByte(body[j:], ';')
			if k < 0 {
				break
			}
			j += k
		}
		types = append(types, body[i:j+1])
		i = j + 1
	}
	return types
}

// ReturnType 返回描述符中的返回类型
func ReturnType(descriptor string) string {
	end := strings.LastIndexByte(descriptor, ')')
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(descriptor[end+1:])
}

// IsWide long / double 占用两个寄存器
func IsWide(typ string) bool {
	return typ == "J" || typ == "D"
}

// NormalizeDescriptor 去除描述符中的空白字符
func NormalizeDescriptor(descriptor string) string {
	if !strings.ContainsAny(descriptor, " \t") {
		return descriptor
	}
	return strings.Join(strings.Fields(descriptor), "")
}
