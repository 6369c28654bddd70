package behavior

import (
	"regexp"
	"sync"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/callgraph"
	"github.com/apk-analysis/apk-behavior-go/internal/dataflow"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
)

// urlRe 类 URL 片段：带协议、www 前缀或 "域名/路径" 形式
var urlRe = regexp.MustCompile(`(?i)\b(?:(?:https?|ftp|wss?)://[^\s"'<>]+|www\d{0,3}\.[a-z0-9\-.]*[a-z0-9](?:[:/][^\s"'<>]*)?|[a-z0-9\-]+(?:\.[a-z0-9\-]+)*\.[a-z]{2,6}/[^\s"'<>]*)`)

// Occurrence 规则在某个调用者中的一次命中
type Occurrence struct {
	Rule   *rule.Rule
	Caller apkinfo.Method
	// Calls 每个 API 签名对应调用者中的一个调用点，偏移严格递增
	Calls []callgraph.Edge
	// APIs 每个调用点最终到达的 API 方法（间接命中时与 Calls[i].Callee 不同）
	APIs []apkinfo.Method

	index  *callgraph.Index
	tracer *dataflow.Tracer
	depth  int // 匹配时的间接调用层数

	once     sync.Once
	params   [][]dataflow.Value
	literals []string
}

// MethodCaller 命中的调用者
func (o *Occurrence) MethodCaller() apkinfo.Method {
	return o.Caller
}

// FirstOffset 第一个调用点的偏移
func (o *Occurrence) FirstOffset() int {
	if len(o.Calls) == 0 {
		return -1
	}
	return o.Calls[0].Offset
}

// Offsets 所有调用点偏移
func (o *Occurrence) Offsets() []int {
	offsets := make([]int, len(o.Calls))
	for i, c := range o.Calls {
		offsets[i] = c.Offset
	}
	return offsets
}

// resolve 首次访问时解析所有调用点的实参，结果缓存
func (o *Occurrence) resolve() {
	o.once.Do(func() {
		o.params = make([][]dataflow.Value, len(o.Calls))
		body, ok := o.index.Body(o.Caller)
		if !ok {
			return
		}

		for i, call := range o.Calls {
			values, err := o.tracer.Arguments(body, call.Offset)
			if err != nil {
				continue
			}
			o.params[i] = values

			o.literals = append(o.literals, o.pathLiterals(i)...)
		}
	})
}

// pathLiterals 第 i 个调用点的被调方法及其通往 APIs[i] 的中间方法中的字符串常量
func (o *Occurrence) pathLiterals(i int) []string {
	callee := o.Calls[i].Callee
	var literals []string
	if body, ok := o.index.Body(callee); ok {
		literals = append(literals, dataflow.Literals(body)...)
	}
	if i >= len(o.APIs) || callee == o.APIs[i] {
		return literals
	}

	api := o.APIs[i]
	budget := make(map[apkinfo.Method]int) // 已用于探索该方法的最大剩余层数
	onPath := make(map[apkinfo.Method]bool)
	var walk func(m apkinfo.Method, remaining int) bool
	walk = func(m apkinfo.Method, remaining int) bool {
		if m == api {
			return true
		}
		if b, ok := budget[m]; ok && b >= remaining {
			return onPath[m]
		}
		budget[m] = remaining
		if remaining <= 0 {
			return false
		}

		reaches := false
		for _, x := range o.index.XrefTo(m) {
			if walk(x.Method, remaining-1) {
				reaches = true
			}
		}
		if reaches && !onPath[m] {
			onPath[m] = true
			if m != callee {
				if body, ok := o.index.Body(m); ok {
					literals = append(literals, dataflow.Literals(body)...)
				}
			}
		}
		return onPath[m]
	}
	walk(callee, o.depth)

	return literals
}

// Resolve 预先解析证据，供并发批量处理
func (o *Occurrence) Resolve() {
	o.resolve()
}

// ParamValuesAt 第 i 个调用点的实参值
func (o *Occurrence) ParamValuesAt(i int) []dataflow.Value {
	o.resolve()
	if i < 0 || i >= len(o.params) {
		return nil
	}
	return o.params[i]
}

// ParamValues 最后一个调用点（双 API 规则中的第二个 API）的实参值
func (o *Occurrence) ParamValues() []dataflow.Value {
	return o.ParamValuesAt(len(o.Calls) - 1)
}

// ParamStrings ParamValues 的字符串形式
func (o *Occurrence) ParamStrings() []string {
	values := o.ParamValues()
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = v.String()
	}
	return strs
}

// HasString 任一解析出的值是否包含 sub（区分大小写）
func (o *Occurrence) HasString(sub string) bool {
	o.resolve()
	for _, values := range o.params {
		for _, v := range values {
			if v.Contains(sub) {
				return true
			}
		}
	}
	return false
}

// HasURL 从证据字符串中提取类 URL 片段，去重并保持出现顺序
func (o *Occurrence) HasURL() []string {
	o.resolve()

	seen := make(map[string]bool)
	urls := []string{}
	scan := func(s string) {
		for _, match := range urlRe.FindAllString(s, -1) {
			if !seen[match] {
				seen[match] = true
				urls = append(urls, match)
			}
		}
	}

	for _, values := range o.params {
		for _, v := range values {
			for _, seg := range v.Segments() {
				scan(seg)
			}
		}
	}
	for _, lit := range o.literals {
		scan(lit)
	}
	return urls
}

// Unresolved 统计各调用点中未能解析的实参数量
func (o *Occurrence) Unresolved() (unknown int, depthExceeded int) {
	o.resolve()
	for _, values := range o.params {
		for _, v := range values {
			if v.IsResolved() {
				continue
			}
			if v.HasReason(dataflow.ReasonDepthExceeded) {
				depthExceeded++
			}
			unknown++
		}
	}
	return unknown, depthExceeded
}

// FirstAPI 第一个调用点到达的 API
func (o *Occurrence) FirstAPI() apkinfo.Method {
	if len(o.APIs) == 0 {
		return apkinfo.Method{}
	}
	return o.APIs[0]
}

// SecondAPI 最后一个调用点到达的 API，单 API 规则时与 FirstAPI 相同
func (o *Occurrence) SecondAPI() apkinfo.Method {
	if len(o.APIs) == 0 {
		return apkinfo.Method{}
	}
	return o.APIs[len(o.APIs)-1]
}

// Evidence 命中的可序列化快照
type Evidence struct {
	Rule          string     `json:"rule"`
	Crime         string     `json:"crime"`
	Score         float64    `json:"score"`
	Caller        string     `json:"caller"`
	APIs          []string   `json:"apis"`
	Offsets       []int      `json:"offsets"`
	Params        [][]string `json:"params"` // 每个调用点的实参
	URLs          []string   `json:"urls"`
	Unresolved    int        `json:"unresolved"`
	DepthExceeded int        `json:"depth_exceeded"`
}

// Evidence 生成命中快照
func (o *Occurrence) Evidence() Evidence {
	apis := make([]string, len(o.APIs))
	for i, api := range o.APIs {
		apis[i] = api.FullName()
	}

	params := make([][]string, len(o.Calls))
	for i := range o.Calls {
		values := o.ParamValuesAt(i)
		params[i] = make([]string, len(values))
		for j, v := range values {
			params[i][j] = v.String()
		}
	}

	unknown, depthExceeded := o.Unresolved()
	return Evidence{
		Rule:          o.Rule.Filename,
		Crime:         o.Rule.Crime,
		Score:         o.Rule.Score,
		Caller:        o.Caller.FullName(),
		APIs:          apis,
		Offsets:       o.Offsets(),
		Params:        params,
		URLs:          o.HasURL(),
		Unresolved:    unknown,
		DepthExceeded: depthExceeded,
	}
}
