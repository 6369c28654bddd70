package apkinfo

import (
	"fmt"
	"regexp"
)

// Wildcard 通配符，匹配任意值
const Wildcard = "*"

var (
	classDescriptorRe = regexp.MustCompile(`^\[*(L[^;\s]+;|[ZBSCIJFDV])$`)
	typeDescriptorRe  = regexp.MustCompile(`^\(.*\)\s*\S+$`)
)

// Pattern 方法签名匹配模式，字段为空或 "*" 时匹配任意值
type Pattern struct {
	Class      string `json:"class"`
	Name       string `json:"method"`
	Descriptor string `json:"descriptor"`
}

// ExactPattern 由具体方法构造精确匹配模式
func ExactPattern(m Method) Pattern {
	return Pattern{Class: m.Class, Name: m.Name, Descriptor: m.Descriptor}
}

func isWildcard(field string) bool {
	return field == "" || field == Wildcard
}

// Match 逐字段比较，非通配字段必须完全一致（描述符忽略空白）
func (p Pattern) Match(m Method) bool {
	if !isWildcard(p.Class) && p.Class != m.Class {
		return false
	}
	if !isWildcard(p.Name) && p.Name != m.Name {
		return false
	}
	if !isWildcard(p.Descriptor) && NormalizeDescriptor(p.Descriptor) != NormalizeDescriptor(m.Descriptor) {
		return false
	}
	return true
}

// IsExact 三个字段均非通配
func (p Pattern) IsExact() bool {
	return !isWildcard(p.Class) && !isWildcard(p.Name) && !isWildcard(p.Descriptor)
}

// HasName 方法名是否为具体值
func (p Pattern) HasName() bool {
	return !isWildcard(p.Name)
}

// Validate 检查非通配字段的语法
func (p Pattern) Validate() error {
	if p.Class == "" && p.Name == "" && p.Descriptor == "" {
		return fmt.Errorf("empty api signature")
	}
	if !isWildcard(p.Class) && !classDescriptorRe.MatchString(p.Class) {
		return fmt.Errorf("invalid class descriptor %q", p.Class)
	}
	if !isWildcard(p.Descriptor) && !typeDescriptorRe.MatchString(p.Descriptor) {
		return fmt.Errorf("invalid type descriptor %q", p.Descriptor)
	}
	return nil
}

func (p Pattern) String() string {
	return fmt.Sprintf("%s %s %s", p.Class, p.Name, p.Descriptor)
}
