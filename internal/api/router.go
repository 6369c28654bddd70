package api

import (
	"net/http"
	"time"

	"github.com/apk-analysis/apk-behavior-go/internal/api/handlers"
	"github.com/apk-analysis/apk-behavior-go/internal/middleware"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/apk-analysis/apk-behavior-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// Dependencies 路由依赖；Reloader、Publisher、Progress、Metrics、MemMonitor 可以为 nil
type Dependencies struct {
	Mode       string // debug, release
	APIToken   string
	Logger     *logrus.Logger
	Service    service.AnalysisService
	Rules      *rule.Store
	Reloader   handlers.Reloader
	Publisher  handlers.AnalysisPublisher
	Progress   *handlers.ProgressHub
	Metrics    *middleware.EngineMetrics
	MemMonitor *middleware.MemoryMonitor
}

// SetupRouter 创建 HTTP 路由
func SetupRouter(deps Dependencies) *gin.Engine {
	if deps.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}

	ruleHandler := handlers.NewRuleHandler(deps.Rules, deps.Reloader, deps.Logger)
	analysisHandler := handlers.NewAnalysisHandler(deps.Service, deps.Publisher, deps.Logger)

	v1 := r.Group("/api")
	{
		// 健康检查
		v1.GET("/health", func(c *gin.Context) {
			rules := 0
			if rs := deps.Rules.Load(); rs != nil {
				rules = rs.Len()
			}
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": Version,
				"rules":   rules,
			})
		})

		if deps.MemMonitor != nil {
			v1.GET("/stats/memory", deps.MemMonitor.StatsEndpoint())
		}

		// 规则仓库
		v1.GET("/rules", ruleHandler.ListRules)
		v1.GET("/rules/number/:n", ruleHandler.GetRuleByNumber)
		v1.GET("/rules/:name", ruleHandler.GetRule)

		// 分析任务
		v1.GET("/analyses", analysisHandler.ListAnalyses)
		v1.GET("/analyses/:task_id", analysisHandler.GetAnalysis)
		v1.GET("/analyses/:task_id/reports", analysisHandler.GetReports)
		if deps.Progress != nil {
			v1.GET("/analyses/:task_id/ws", deps.Progress.HandleWebSocket)
		}

		// 写接口需要认证
		write := v1.Group("", middleware.AuthMiddleware(deps.APIToken))
		write.POST("/analyses", analysisHandler.CreateAnalysis)
		write.POST("/rules/reload", ruleHandler.ReloadRules)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
