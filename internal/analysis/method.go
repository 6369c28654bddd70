package analysis

import (
	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/callgraph"
)

// Method 绑定分析结果的方法，可直接查询交叉引用
type Method struct {
	apkinfo.Method
	result *Result
}

// Identity 方法标识
func (m *Method) Identity() apkinfo.Method {
	return m.Method
}

// XrefTo 被调方法及调用偏移
func (m *Method) XrefTo() []callgraph.Xref {
	return m.result.MethodXrefTo(m.Method)
}

// XrefFrom 调用者
func (m *Method) XrefFrom() []*Method {
	callers := m.result.MethodXrefFrom(m.Method)
	methods := make([]*Method, len(callers))
	for i, c := range callers {
		methods[i] = m.result.Method(c)
	}
	return methods
}

// HasBody 方法是否定义在包内
func (m *Method) HasBody() bool {
	_, ok := m.result.index.Body(m.Method)
	return ok
}
