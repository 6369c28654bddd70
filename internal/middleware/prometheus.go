package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// EngineMetrics 行为分析引擎的 Prometheus 指标
type EngineMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 分析任务指标
	analysesTotal      *prometheus.CounterVec
	analysesInProgress prometheus.Gauge
	analysisDuration   *prometheus.HistogramVec

	// 匹配结果指标
	ruleMatchesTotal      *prometheus.CounterVec
	unresolvedValuesTotal *prometheus.CounterVec
	callGraphMethods      prometheus.Histogram
	callGraphEdges        prometheus.Histogram

	// 规则仓库指标
	rulesLoaded      prometheus.Gauge
	ruleReloadsTotal *prometheus.CounterVec

	// 队列指标
	queueMessagesTotal *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
}

// NewEngineMetrics 创建引擎指标收集器
func NewEngineMetrics(logger *logrus.Logger, namespace string) *EngineMetrics {
	if namespace == "" {
		namespace = "apk_behavior"
	}

	em := &EngineMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		analysesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analyses_total",
				Help:      "Total number of behavior analyses",
			},
			[]string{"status"}, // queued, running, completed, failed
		),
		analysesInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "analyses_in_progress",
				Help:      "Number of analyses currently running",
			},
		),
		analysisDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Behavior analysis duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"status"},
		),

		ruleMatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_matches_total",
				Help:      "Total number of behavior occurrences per rule",
			},
			[]string{"rule"},
		),
		unresolvedValuesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unresolved_values_total",
				Help:      "Argument values the tracer could not resolve",
			},
			[]string{"reason"}, // depth_exceeded, other
		),
		callGraphMethods: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_graph_methods",
				Help:      "Number of methods per analyzed package",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
		callGraphEdges: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_graph_edges",
				Help:      "Number of call edges per analyzed package",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		rulesLoaded: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_loaded",
				Help:      "Number of rules in the active ruleset",
			},
		),
		ruleReloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_reloads_total",
				Help:      "Total number of ruleset reloads",
			},
			[]string{"result"}, // success, failure
		),

		queueMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_total",
				Help:      "Total number of queue messages handled",
			},
			[]string{"result"}, // published, acked, rejected
		),

		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return em
}

// HTTPMiddleware HTTP 请求监控中间件
func (em *EngineMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		em.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		em.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (em *EngineMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAnalysisQueued 记录任务入队
func (em *EngineMetrics) RecordAnalysisQueued() {
	em.analysesTotal.WithLabelValues("queued").Inc()
}

// RecordAnalysisStarted 记录分析开始
func (em *EngineMetrics) RecordAnalysisStarted() {
	em.analysesTotal.WithLabelValues("running").Inc()
	em.analysesInProgress.Inc()
}

// RecordAnalysisCompleted 记录分析完成
func (em *EngineMetrics) RecordAnalysisCompleted(duration time.Duration) {
	em.analysesTotal.WithLabelValues("completed").Inc()
	em.analysesInProgress.Dec()
	em.analysisDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

// RecordAnalysisFailed 记录分析失败
func (em *EngineMetrics) RecordAnalysisFailed(duration time.Duration) {
	em.analysesTotal.WithLabelValues("failed").Inc()
	em.analysesInProgress.Dec()
	em.analysisDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordCallGraph 记录调用图规模
func (em *EngineMetrics) RecordCallGraph(methods, edges int) {
	em.callGraphMethods.Observe(float64(methods))
	em.callGraphEdges.Observe(float64(edges))
}

// RecordRuleMatches 记录规则命中数
func (em *EngineMetrics) RecordRuleMatches(rule string, count int) {
	em.ruleMatchesTotal.WithLabelValues(rule).Add(float64(count))
}

// RecordUnresolved 记录未能解析的实参
func (em *EngineMetrics) RecordUnresolved(unknown, depthExceeded int) {
	em.unresolvedValuesTotal.WithLabelValues("depth_exceeded").Add(float64(depthExceeded))
	em.unresolvedValuesTotal.WithLabelValues("other").Add(float64(unknown - depthExceeded))
}

// SetRulesLoaded 更新当前规则数量
func (em *EngineMetrics) SetRulesLoaded(count int) {
	em.rulesLoaded.Set(float64(count))
}

// RecordRuleReload 记录规则热加载结果
func (em *EngineMetrics) RecordRuleReload(success bool) {
	if success {
		em.ruleReloadsTotal.WithLabelValues("success").Inc()
		return
	}
	em.ruleReloadsTotal.WithLabelValues("failure").Inc()
}

// RecordQueueMessage 记录队列消息处理结果
func (em *EngineMetrics) RecordQueueMessage(result string) {
	em.queueMessagesTotal.WithLabelValues(result).Inc()
}

// UpdateMemoryStats 更新内存统计
func (em *EngineMetrics) UpdateMemoryStats(stats MemoryStats) {
	em.memoryUsage.Set(float64(stats.Alloc))
	em.goroutinesCount.Set(float64(stats.Goroutines))
}
