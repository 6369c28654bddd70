package dataflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestValue_String 测试符号值的文本形式
func TestValue_String(t *testing.T) {
	assert.Equal(t, "abc", NewLiteral("abc").String())
	assert.Equal(t, "-3", NewNumber(-3).String())
	assert.Equal(t, "{p2}", NewParameter(2).String())
	assert.Equal(t, "{unknown}", NewUnknown(ReasonUnwritten).String())
	assert.Equal(t, "ping {p0}", NewConcat(NewLiteral("ping "), NewParameter(0)).String())
	assert.Equal(t, "[a, 1]", NewArray(NewLiteral("a"), NewNumber(1)).String())
}

// TestNewConcat 测试拼接的退化形式
func TestNewConcat(t *testing.T) {
	assert.Equal(t, NewLiteral(""), NewConcat())
	assert.Equal(t, NewLiteral("x"), NewConcat(NewLiteral("x")))
	assert.Equal(t, Concat, NewConcat(NewLiteral("x"), NewLiteral("y")).Kind)
}

// TestValue_Segments 测试未解析部分将文本断开
func TestValue_Segments(t *testing.T) {
	v := NewConcat(NewLiteral("http://"), NewUnknown(ReasonExternalCall), NewLiteral("/path"), NewNumber(8))
	assert.Equal(t, []string{"http://", "/path8"}, v.Segments())
	assert.False(t, v.IsResolved())
	assert.True(t, v.Contains("/path"))
	assert.False(t, v.Contains("http:///path"), "Unknown part must not be bridged")

	assert.Empty(t, NewUnknown(ReasonUnwritten).Segments())
}

// TestValue_HasReason 测试原因查找
func TestValue_HasReason(t *testing.T) {
	v := NewArray(NewLiteral("a"), NewUnknown(ReasonExternalCall+": La; b ()V"))
	assert.True(t, v.HasReason(ReasonExternalCall))
	assert.False(t, v.HasReason(ReasonDepthExceeded))
	assert.False(t, NewLiteral("a").HasReason(ReasonExternalCall))
}

// TestDescribe 测试值列表描述
func TestDescribe(t *testing.T) {
	assert.Equal(t, "a, {p0}", Describe([]Value{NewLiteral("a"), NewParameter(0)}))
	assert.Equal(t, "", Describe(nil))
}
