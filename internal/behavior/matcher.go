package behavior

import (
	"context"
	"sort"
	"time"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/callgraph"
	"github.com/apk-analysis/apk-behavior-go/internal/dataflow"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/sirupsen/logrus"
)

// DefaultMaxSearchDepth 默认向上追溯调用者的层数
const DefaultMaxSearchDepth = 1

// Options 匹配配置
type Options struct {
	// MaxSearchDepth 调用者通过被调方法间接到达 API 的最大层数，0 表示只接受直接调用
	MaxSearchDepth int
}

// hit 调用者中可到达某个 API 的一个调用点
type hit struct {
	edge callgraph.Edge
	api  apkinfo.Method
}

// Matcher 行为匹配器，只读访问调用图，可并发匹配不同规则
type Matcher struct {
	index  *callgraph.Index
	tracer *dataflow.Tracer
	opts   Options
	logger *logrus.Logger
}

// NewMatcher 创建行为匹配器
func NewMatcher(index *callgraph.Index, tracer *dataflow.Tracer, opts Options, logger *logrus.Logger) *Matcher {
	if opts.MaxSearchDepth < 0 {
		opts.MaxSearchDepth = 0
	}
	return &Matcher{
		index:  index,
		tracer: tracer,
		opts:   opts,
		logger: logger,
	}
}

// Match 返回规则在包内的所有命中，按调用者、首个偏移排序；无命中返回空列表
func (m *Matcher) Match(ctx context.Context, r *rule.Rule) ([]*Occurrence, error) {
	startTime := time.Now()

	// 单 API 规则只接受直接调用者
	depth := m.opts.MaxSearchDepth
	if len(r.API) == 1 {
		depth = 0
	}

	reach := make([]map[apkinfo.Method][]hit, len(r.API))
	for i, api := range r.API {
		targets := m.index.Resolve(api)
		if len(targets) == 0 {
			m.logger.WithFields(logrus.Fields{
				"rule": r.Filename,
				"api":  api.String(),
			}).Debug("API signature resolved to no method")
			return []*Occurrence{}, nil
		}
		reach[i] = m.reachingCallers(targets, depth)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 所有签名共同的调用者
	var candidates []apkinfo.Method
	for caller := range reach[0] {
		common := true
		for i := 1; i < len(reach); i++ {
			if _, ok := reach[i][caller]; !ok {
				common = false
				break
			}
		}
		if common {
			candidates = append(candidates, caller)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return apkinfo.Compare(candidates[i], candidates[j]) < 0
	})

	occurrences := []*Occurrence{}
	for _, caller := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hits := make([][]hit, len(reach))
		for i := range reach {
			hits[i] = reach[i][caller]
		}
		for _, combo := range orderedCombinations(hits) {
			occ := &Occurrence{
				Rule:   r,
				Caller: caller,
				Calls:  make([]callgraph.Edge, len(combo)),
				APIs:   make([]apkinfo.Method, len(combo)),
				index:  m.index,
				tracer: m.tracer,
				depth:  depth,
			}
			for i, h := range combo {
				occ.Calls[i] = h.edge
				occ.APIs[i] = h.api
			}
			occurrences = append(occurrences, occ)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"rule":        r.Filename,
		"crime":       r.Crime,
		"candidates":  len(candidates),
		"occurrences": len(occurrences),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Debug("Rule matched")

	return occurrences, nil
}

// reachingCallers 计算可到达目标 API 的调用者及其调用点
// 第 0 层为直接调用，第 d 层为调用了第 d-1 层调用者的方法
// 同一中间方法可到达多个目标时，每个目标各自记录一次命中
func (m *Matcher) reachingCallers(targets []apkinfo.Method, maxDepth int) map[apkinfo.Method][]hit {
	result := make(map[apkinfo.Method][]hit)

	type via struct {
		method apkinfo.Method
		api    apkinfo.Method
	}
	seen := make(map[via]bool)
	var frontier []via
	for _, t := range targets {
		v := via{method: t, api: t}
		frontier = append(frontier, v)
		seen[v] = true
	}

	for depth := 0; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []via
		for _, f := range frontier {
			for _, caller := range m.index.XrefFrom(f.method) {
				for _, e := range m.index.EdgesBetween(caller, f.method) {
					result[caller] = appendHit(result[caller], hit{edge: e, api: f.api})
				}
				v := via{method: caller, api: f.api}
				if !seen[v] {
					seen[v] = true
					next = append(next, v)
				}
			}
		}
		frontier = next
	}

	for caller, hits := range result {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].edge.Offset != hits[j].edge.Offset {
				return hits[i].edge.Offset < hits[j].edge.Offset
			}
			return apkinfo.Compare(hits[i].api, hits[j].api) < 0
		})
		result[caller] = hits
	}
	return result
}

func appendHit(hits []hit, h hit) []hit {
	for _, existing := range hits {
		if existing == h {
			return hits
		}
	}
	return append(hits, h)
}

// orderedCombinations 每个签名各取一个调用点，偏移严格递增
func orderedCombinations(hits [][]hit) [][]hit {
	var (
		combos  [][]hit
		current = make([]hit, 0, len(hits))
	)

	var walk func(i, after int)
	walk = func(i, after int) {
		if i == len(hits) {
			combo := make([]hit, len(current))
			copy(combo, current)
			combos = append(combos, combo)
			return
		}
		for _, h := range hits[i] {
			if h.edge.Offset <= after {
				continue
			}
			current = append(current, h)
			walk(i+1, h.edge.Offset)
			current = current[:len(current)-1]
		}
	}
	walk(0, -1)

	return combos
}

// SortOccurrences 按调用者、首个偏移、规则文件名排序
func SortOccurrences(occs []*Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		if c := apkinfo.Compare(occs[i].Caller, occs[j].Caller); c != 0 {
			return c < 0
		}
		if occs[i].FirstOffset() != occs[j].FirstOffset() {
			return occs[i].FirstOffset() < occs[j].FirstOffset()
		}
		return occs[i].Rule.Filename < occs[j].Rule.Filename
	})
}
