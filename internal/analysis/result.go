package analysis

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/behavior"
	"github.com/apk-analysis/apk-behavior-go/internal/callgraph"
	"github.com/apk-analysis/apk-behavior-go/internal/config"
	"github.com/apk-analysis/apk-behavior-go/internal/dataflow"
	"github.com/apk-analysis/apk-behavior-go/internal/manifest"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Options 分析配置
type Options struct {
	Behavior behavior.Options
	Trace    dataflow.Options
	Workers  int // 并发规则匹配数量
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		Behavior: behavior.Options{MaxSearchDepth: behavior.DefaultMaxSearchDepth},
		Trace:    dataflow.Options{MaxDepth: dataflow.DefaultMaxDepth},
		Workers:  runtime.NumCPU(),
	}
}

// OptionsFromConfig 由引擎配置生成分析配置，负数深度按默认值处理
func OptionsFromConfig(cfg config.EngineConfig) Options {
	opts := DefaultOptions()
	if cfg.MaxSearchDepth >= 0 {
		opts.Behavior.MaxSearchDepth = cfg.MaxSearchDepth
	}
	if cfg.MaxTraceDepth >= 0 {
		opts.Trace.MaxDepth = cfg.MaxTraceDepth
	}
	if cfg.Workers > 0 {
		opts.Workers = cfg.Workers
	}
	return opts
}

// Result 一次分析的结果：调用图、规则以及缓存的行为命中列表
type Result struct {
	pkg     apkinfo.Package
	index   *callgraph.Index
	tracer  *dataflow.Tracer
	matcher *behavior.Matcher
	rules   []*rule.Rule
	opts    Options
	logger  *logrus.Logger

	group       singleflight.Group
	mu          sync.RWMutex
	occurrences []*behavior.Occurrence
	computed    bool

	stringsOnce sync.Once
	strings     []string
}

// New 构建调用图并创建分析结果，行为匹配延迟到首次访问
func New(pkg apkinfo.Package, rules []*rule.Rule, opts Options, logger *logrus.Logger) *Result {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	startTime := time.Now()
	index := callgraph.Build(pkg)
	tracer := dataflow.NewTracer(index, opts.Trace)

	methods, edges := index.Stats()
	logger.WithFields(logrus.Fields{
		"methods":     methods,
		"edges":       edges,
		"rules":       len(rules),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Info("Call graph built")

	return &Result{
		pkg:     pkg,
		index:   index,
		tracer:  tracer,
		matcher: behavior.NewMatcher(index, tracer, opts.Behavior, logger),
		rules:   rules,
		opts:    opts,
		logger:  logger,
	}
}

// RunAnalysis 对单条规则进行分析
func RunAnalysis(pkg apkinfo.Package, r *rule.Rule, opts Options, logger *logrus.Logger) *Result {
	return New(pkg, []*rule.Rule{r}, opts, logger)
}

// RunRuleset 对规则仓库中的所有规则进行分析
func RunRuleset(pkg apkinfo.Package, rs *rule.Ruleset, opts Options, logger *logrus.Logger) *Result {
	return New(pkg, rs.Rules(), opts, logger)
}

// Occurrences 返回所有规则的行为命中；首次调用时计算，之后直接返回缓存
// 并发的首次调用只计算一次
func (r *Result) Occurrences(ctx context.Context) ([]*behavior.Occurrence, error) {
	r.mu.RLock()
	if r.computed {
		occs := r.occurrences
		r.mu.RUnlock()
		return occs, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do("occurrences", func() (interface{}, error) {
		r.mu.RLock()
		if r.computed {
			occs := r.occurrences
			r.mu.RUnlock()
			return occs, nil
		}
		r.mu.RUnlock()

		occs, err := r.matchAll(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.occurrences = occs
		r.computed = true
		r.mu.Unlock()
		return occs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*behavior.Occurrence), nil
}

// BehaviorOccurList 返回行为命中列表
func (r *Result) BehaviorOccurList() []*behavior.Occurrence {
	occs, err := r.Occurrences(context.Background())
	if err != nil {
		r.logger.WithError(err).Error("Failed to match rules")
		return nil
	}
	return occs
}

// matchAll 并发匹配所有规则并合并结果
func (r *Result) matchAll(ctx context.Context) ([]*behavior.Occurrence, error) {
	startTime := time.Now()

	perRule := make([][]*behavior.Occurrence, len(r.rules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, rl := range r.rules {
		i, rl := i, rl
		g.Go(func() error {
			occs, err := r.matcher.Match(gctx, rl)
			if err != nil {
				return err
			}
			perRule[i] = occs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := []*behavior.Occurrence{}
	for _, occs := range perRule {
		all = append(all, occs...)
	}
	behavior.SortOccurrences(all)

	r.logger.WithFields(logrus.Fields{
		"rules":       len(r.rules),
		"occurrences": len(all),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Info("Behavior matching completed")

	return all, nil
}

// ResolveEvidence 并发解析所有命中的实参证据
func (r *Result) ResolveEvidence(ctx context.Context) error {
	occs, err := r.Occurrences(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, occ := range occs {
		occ := occ
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			occ.Resolve()
			return nil
		})
	}
	return g.Wait()
}

// Rules 参与分析的规则
func (r *Result) Rules() []*rule.Rule {
	return r.rules
}

// Index 调用图索引
func (r *Result) Index() *callgraph.Index {
	return r.index
}

// MethodXrefTo 方法的被调列表 (方法, 偏移)
func (r *Result) MethodXrefTo(m apkinfo.Method) []callgraph.Xref {
	return r.index.XrefTo(m)
}

// MethodXrefFrom 方法的调用者列表
func (r *Result) MethodXrefFrom(m apkinfo.Method) []apkinfo.Method {
	return r.index.XrefFrom(m)
}

// FindMethodInCaller caller 是否直接调用了 target
func (r *Result) FindMethodInCaller(caller, target apkinfo.Pattern) bool {
	return r.index.FindMethodInCaller(caller, target)
}

// AllStrings 去重后的字符串常量池，按字典序排列
func (r *Result) AllStrings() []string {
	r.stringsOnce.Do(func() {
		seen := make(map[string]struct{})
		strs := []string{}
		for _, s := range r.pkg.Strings() {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			strs = append(strs, s)
		}
		sort.Strings(strs)
		r.strings = strs
	})
	return r.strings
}

// FindMethod 精确查找包内方法
func (r *Result) FindMethod(class, name, descriptor string) (*Method, error) {
	m := apkinfo.NewMethod(class, name, descriptor)
	if !r.index.Contains(m) {
		return nil, apkinfo.ErrMethodNotFound
	}
	return r.Method(m), nil
}

// Method 将方法标识绑定到分析结果
func (r *Result) Method(m apkinfo.Method) *Method {
	return &Method{Method: m, result: r}
}

// activitySource 可提供 Manifest Activity 的包
type activitySource interface {
	Activities() []manifest.Activity
}

// GetActivities 返回包中声明的 Activity；包不携带 Manifest 信息时返回空
func (r *Result) GetActivities() []manifest.Activity {
	src, ok := r.pkg.(activitySource)
	if !ok {
		return []manifest.Activity{}
	}
	activities := src.Activities()
	if activities == nil {
		return []manifest.Activity{}
	}
	return activities
}
