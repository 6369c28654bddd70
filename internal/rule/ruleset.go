package rule

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// RuleExt 规则文件扩展名
const RuleExt = ".json"

// Ruleset 规则仓库，按文件名索引
type Ruleset struct {
	dir   string
	rules map[string]*Rule
	names []string
}

// NewRuleset 加载目录下的所有规则文件；任一文件无效则整体失败
func NewRuleset(dir string) (*Ruleset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule directory: %w", err)
	}

	rs := &Ruleset{
		dir:   dir,
		rules: make(map[string]*Rule),
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), RuleExt) {
			continue
		}

		r, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		rs.rules[r.Filename] = r
		rs.names = append(rs.names, r.Filename)
	}
	sort.Strings(rs.names)

	return rs, nil
}

// NewRulesetFromRules 由已解析的规则构造仓库
func NewRulesetFromRules(rules ...*Rule) *Ruleset {
	rs := &Ruleset{rules: make(map[string]*Rule)}
	for _, r := range rules {
		if _, ok := rs.rules[r.Filename]; !ok {
			rs.names = append(rs.names, r.Filename)
		}
		rs.rules[r.Filename] = r
	}
	sort.Strings(rs.names)
	return rs
}

// Get 按文件名查找规则
func (rs *Ruleset) Get(filename string) (*Rule, error) {
	if r, ok := rs.rules[filename]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, filename)
}

// Rules 返回所有规则，按文件名排序
func (rs *Ruleset) Rules() []*Rule {
	rules := make([]*Rule, 0, len(rs.names))
	for _, name := range rs.names {
		rules = append(rules, rs.rules[name])
	}
	return rules
}

// Names 返回所有规则文件名
func (rs *Ruleset) Names() []string {
	return append([]string(nil), rs.names...)
}

// Len 规则数量
func (rs *Ruleset) Len() int {
	return len(rs.names)
}

// Dir 规则目录
func (rs *Ruleset) Dir() string {
	return rs.dir
}

// RuleNumber 从 "00068.json" 形式的文件名中提取编号
func RuleNumber(filename string) (int, bool) {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	end := 0
	for end < len(base) && base[end] >= '0' && base[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(base[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// DefaultRuleset 支持按编号查找的规则仓库
type DefaultRuleset struct {
	*Ruleset
	byNumber  map[int]*Rule
	conflicts []string
}

// NewDefaultRuleset 加载目录并建立编号索引
func NewDefaultRuleset(dir string) (*DefaultRuleset, error) {
	rs, err := NewRuleset(dir)
	if err != nil {
		return nil, err
	}
	return NewDefaultRulesetFrom(rs)
}

// NewDefaultRulesetFrom 在已有仓库上建立编号索引
// 编号重复时保留文件名排序靠前的规则，其余只能按文件名查找
func NewDefaultRulesetFrom(rs *Ruleset) (*DefaultRuleset, error) {
	d := &DefaultRuleset{
		Ruleset:  rs,
		byNumber: make(map[int]*Rule),
	}
	for _, name := range rs.names {
		n, ok := RuleNumber(name)
		if !ok {
			continue
		}
		if _, dup := d.byNumber[n]; dup {
			d.conflicts = append(d.conflicts, name)
			continue
		}
		d.byNumber[n] = rs.rules[name]
	}
	return d, nil
}

// Conflicts 因编号重复未进入编号索引的规则文件名
func (d *DefaultRuleset) Conflicts() []string {
	return d.conflicts
}

// GetByNumber 按编号查找规则
func (d *DefaultRuleset) GetByNumber(n int) (*Rule, error) {
	if r, ok := d.byNumber[n]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: number %d", ErrRuleNotFound, n)
}

// Store 可热更新的规则仓库引用
type Store struct {
	current atomic.Pointer[DefaultRuleset]
}

// NewStore 创建规则仓库引用
func NewStore(rs *DefaultRuleset) *Store {
	s := &Store{}
	s.current.Store(rs)
	return s
}

// Load 返回当前规则仓库
func (s *Store) Load() *DefaultRuleset {
	return s.current.Load()
}

// Swap 替换规则仓库
func (s *Store) Swap(rs *DefaultRuleset) {
	s.current.Store(rs)
}
