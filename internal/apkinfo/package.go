package apkinfo

import (
	"sort"

	"github.com/apk-analysis/apk-behavior-go/internal/manifest"
)

// AccessStatic 静态方法访问标志
const AccessStatic = 0x8

// MethodBody 方法体：方法标识及其指令流
type MethodBody struct {
	Method       Method        `json:"method"`
	AccessFlags  uint32        `json:"access_flags"`
	Registers    int           `json:"registers"` // 寄存器总数
	Ins          int           `json:"ins"`       // 参数寄存器数量（含 this）
	Instructions []Instruction `json:"instructions"`
}

// IsStatic 是否为静态方法
func (b *MethodBody) IsStatic() bool {
	return b.AccessFlags&AccessStatic != 0
}

// IndexOf 返回指定偏移的指令下标
func (b *MethodBody) IndexOf(offset int) int {
	idx := sort.Search(len(b.Instructions), func(i int) bool {
		return b.Instructions[i].Offset >= offset
	})
	if idx < len(b.Instructions) && b.Instructions[idx].Offset == offset {
		return idx
	}
	// 偏移不单调时退化为线性查找
	for i := range b.Instructions {
		if b.Instructions[i].Offset == offset {
			return i
		}
	}
	return -1
}

// ParamIndex 将寄存器编号转换为参数寄存器编号（smali 中的 pN）
func (b *MethodBody) ParamIndex(reg int) (int, bool) {
	if b.Ins <= 0 || b.Registers < b.Ins {
		return 0, false
	}
	first := b.Registers - b.Ins
	if reg < first || reg >= b.Registers {
		return 0, false
	}
	return reg - first, true
}

// Package 反汇编结果（外部协作者提供）
type Package interface {
	// Methods 返回所有带方法体的方法
	Methods() []*MethodBody
	// Strings 返回字符串常量池
	Strings() []string
}

// MemoryPackage 内存中的反汇编结果
type MemoryPackage struct {
	Name       string
	bodies     []*MethodBody
	byMethod   map[Method]*MethodBody
	strings    []string
	activities []manifest.Activity
}

// NewMemoryPackage 创建内存包
func NewMemoryPackage(name string) *MemoryPackage {
	return &MemoryPackage{
		Name:     name,
		byMethod: make(map[Method]*MethodBody),
	}
}

// AddMethod 添加方法体，重复的方法标识以后者为准
func (p *MemoryPackage) AddMethod(body *MethodBody) {
	if old, ok := p.byMethod[body.Method]; ok {
		for i, b := range p.bodies {
			if b == old {
				p.bodies[i] = body
				break
			}
		}
	} else {
		p.bodies = append(p.bodies, body)
	}
	p.byMethod[body.Method] = body
}

// SetStrings 设置字符串常量池
func (p *MemoryPackage) SetStrings(strs []string) {
	p.strings = append([]string(nil), strs...)
}

// SetActivities 设置 Manifest 中声明的 Activity
func (p *MemoryPackage) SetActivities(activities []manifest.Activity) {
	p.activities = append([]manifest.Activity(nil), activities...)
}

// Methods 返回所有方法体
func (p *MemoryPackage) Methods() []*MethodBody {
	return p.bodies
}

// FindMethod 精确查找方法
func (p *MemoryPackage) FindMethod(class, name, descriptor string) (*MethodBody, error) {
	if body, ok := p.byMethod[NewMethod(class, name, descriptor)]; ok {
		return body, nil
	}
	return nil, ErrMethodNotFound
}

// Strings 返回字符串常量池；未显式设置时收集所有 const-string 字面量
func (p *MemoryPackage) Strings() []string {
	if p.strings != nil {
		return p.strings
	}

	var strs []string
	for _, body := range p.bodies {
		for i := range body.Instructions {
			if body.Instructions[i].Kind() == KindConstString {
				strs = append(strs, body.Instructions[i].String)
			}
		}
	}
	return strs
}

// Activities 返回 Manifest 中声明的 Activity
func (p *MemoryPackage) Activities() []manifest.Activity {
	return p.activities
}
