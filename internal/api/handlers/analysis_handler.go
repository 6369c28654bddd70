package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/apk-analysis/apk-behavior-go/internal/domain"
	"github.com/apk-analysis/apk-behavior-go/internal/queue"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/apk-analysis/apk-behavior-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AnalysisPublisher 异步分析任务的消息发布
type AnalysisPublisher interface {
	PublishAnalysis(ctx context.Context, msg *queue.AnalysisMessage) error
}

// AnalysisHandler 分析任务处理器
type AnalysisHandler struct {
	service   service.AnalysisService
	publisher AnalysisPublisher
	logger    *logrus.Logger
}

// NewAnalysisHandler 创建分析任务处理器；publisher 为 nil 时所有请求同步执行
func NewAnalysisHandler(svc service.AnalysisService, publisher AnalysisPublisher, logger *logrus.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		service:   svc,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateAnalysisRequest 创建分析请求
type CreateAnalysisRequest struct {
	DumpPath string   `json:"dump_path" binding:"required"`
	Rules    []string `json:"rules"`
	Async    bool     `json:"async"`
}

// CreateAnalysis 创建分析任务
// POST /api/analyses
// async=true 且启用了队列时返回 202，任务由消费者执行；否则同步执行后返回结果
func (h *AnalysisHandler) CreateAnalysis(c *gin.Context) {
	var req CreateAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "请求参数格式错误",
		})
		return
	}

	ctx := c.Request.Context()

	if req.Async && h.publisher != nil {
		task, err := h.service.Submit(ctx, req.DumpPath, req.Rules)
		if err != nil {
			h.respondSubmitError(c, err)
			return
		}

		msg := &queue.AnalysisMessage{TaskID: task.ID, DumpPath: task.DumpPath, Rules: req.Rules}
		if err := h.publisher.PublishAnalysis(ctx, msg); err != nil {
			h.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to queue analysis")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "任务入队失败",
				"task_id": task.ID,
			})
			return
		}

		c.JSON(http.StatusAccepted, task)
		return
	}

	task, err := h.service.Analyze(ctx, req.DumpPath, req.Rules)
	if err != nil {
		h.respondSubmitError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListAnalyses 获取最近的分析任务
// GET /api/analyses?limit=20
func (h *AnalysisHandler) ListAnalyses(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	tasks, err := h.service.ListTasks(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list analyses")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// GetAnalysis 获取分析任务
// GET /api/analyses/:task_id
func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		h.respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetReports 获取任务的行为命中记录
// GET /api/analyses/:task_id/reports
func (h *AnalysisHandler) GetReports(c *gin.Context) {
	taskID := c.Param("task_id")
	ctx := c.Request.Context()

	reports, err := h.service.GetReports(ctx, taskID)
	if err != nil {
		h.respondTaskError(c, err)
		return
	}

	summary, err := h.service.Summary(ctx, taskID)
	if err != nil {
		h.logger.WithError(err).WithField("task_id", taskID).Error("Failed to summarize reports")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取命中统计失败"})
		return
	}

	if reports == nil {
		reports = []*domain.BehaviorReport{}
	}
	if summary == nil {
		summary = []domain.RuleHitCount{}
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"reports": reports,
		"summary": summary,
		"total":   len(reports),
	})
}

func (h *AnalysisHandler) respondSubmitError(c *gin.Context, err error) {
	if errors.Is(err, rule.ErrRuleNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "规则不存在",
			"detail": err.Error(),
		})
		return
	}
	h.logger.WithError(err).Error("Failed to run analysis")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":  "分析失败",
		"detail": err.Error(),
	})
}

func (h *AnalysisHandler) respondTaskError(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}
	h.logger.WithError(err).Error("Failed to get analysis")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务失败"})
}
