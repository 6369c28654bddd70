package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
)

// ErrRuleNotFound 规则不存在
var ErrRuleNotFound = errors.New("rule not found")

// MalformedRuleError 规则文件无法解析为有效规则
type MalformedRuleError struct {
	File string
	Err  error
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("malformed rule %s: %v", e.File, e.Err)
}

func (e *MalformedRuleError) Unwrap() error {
	return e.Err
}

// Rule 检测规则
type Rule struct {
	Crime      string            `json:"crime"`
	Permission []string          `json:"permission,omitempty"`
	API        []apkinfo.Pattern `json:"api"`
	Score      float64           `json:"score"`
	Label      []string          `json:"label,omitempty"`
	Filename   string            `json:"-"` // 规则仓库中的 key
}

// FirstAPI 第一个 API 签名
func (r *Rule) FirstAPI() apkinfo.Pattern {
	return r.API[0]
}

// SecondAPI 第二个 API 签名，单 API 规则返回第一个
func (r *Rule) SecondAPI() apkinfo.Pattern {
	if len(r.API) < 2 {
		return r.API[0]
	}
	return r.API[1]
}

// Validate 检查规则字段
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Crime) == "" {
		return errors.New("crime is empty")
	}
	if len(r.API) == 0 {
		return errors.New("api sequence is empty")
	}
	for i, api := range r.API {
		if err := api.Validate(); err != nil {
			return fmt.Errorf("api[%d]: %w", i, err)
		}
	}
	return nil
}

// Parse 解析单个规则文件内容
func Parse(filename string, data []byte) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &MalformedRuleError{File: filename, Err: err}
	}
	if err := r.Validate(); err != nil {
		return nil, &MalformedRuleError{File: filename, Err: err}
	}
	r.Filename = filename
	return &r, nil
}

// LoadFile 从磁盘加载单个规则
func LoadFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule: %w", err)
	}
	return Parse(filepath.Base(path), data)
}
