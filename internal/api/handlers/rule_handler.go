package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Reloader 手动触发规则重新加载
type Reloader interface {
	Reload() error
}

// RuleHandler 规则仓库处理器
type RuleHandler struct {
	store    *rule.Store
	reloader Reloader
	logger   *logrus.Logger
}

// NewRuleHandler 创建规则处理器，reloader 可以为 nil
func NewRuleHandler(store *rule.Store, reloader Reloader, logger *logrus.Logger) *RuleHandler {
	return &RuleHandler{
		store:    store,
		reloader: reloader,
		logger:   logger,
	}
}

// RuleResponse 规则响应
type RuleResponse struct {
	Name       string            `json:"name"`
	Number     *int              `json:"number,omitempty"`
	Crime      string            `json:"crime"`
	Permission []string          `json:"permission,omitempty"`
	API        []apkinfo.Pattern `json:"api"`
	Score      float64           `json:"score"`
	Label      []string          `json:"label,omitempty"`
}

func toRuleResponse(r *rule.Rule) RuleResponse {
	resp := RuleResponse{
		Name:       r.Filename,
		Crime:      r.Crime,
		Permission: r.Permission,
		API:        r.API,
		Score:      r.Score,
		Label:      r.Label,
	}
	if n, ok := rule.RuleNumber(r.Filename); ok {
		resp.Number = &n
	}
	return resp
}

// ListRules 获取规则列表
// GET /api/rules?label=command
func (h *RuleHandler) ListRules(c *gin.Context) {
	rs := h.store.Load()
	if rs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "规则仓库未加载",
		})
		return
	}

	label := c.Query("label")
	rules := make([]RuleResponse, 0, rs.Len())
	for _, r := range rs.Rules() {
		if label != "" && !hasLabel(r, label) {
			continue
		}
		rules = append(rules, toRuleResponse(r))
	}

	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"total": len(rules),
	})
}

// GetRule 按文件名获取规则
// GET /api/rules/:name
func (h *RuleHandler) GetRule(c *gin.Context) {
	rs := h.store.Load()
	if rs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "规则仓库未加载"})
		return
	}

	r, err := rs.Get(c.Param("name"))
	if err != nil {
		h.respondRuleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRuleResponse(r))
}

// GetRuleByNumber 按编号获取规则
// GET /api/rules/number/:n
func (h *RuleHandler) GetRuleByNumber(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "规则编号格式错误"})
		return
	}

	rs := h.store.Load()
	if rs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "规则仓库未加载"})
		return
	}

	r, err := rs.GetByNumber(n)
	if err != nil {
		h.respondRuleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRuleResponse(r))
}

// ReloadRules 重新加载规则目录
// POST /api/rules/reload
func (h *RuleHandler) ReloadRules(c *gin.Context) {
	if h.reloader == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "未启用规则热加载"})
		return
	}

	if err := h.reloader.Reload(); err != nil {
		var malformed *rule.MalformedRuleError
		if errors.As(err, &malformed) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": "规则文件无效，已保留原规则",
				"file":  malformed.File,
			})
			return
		}
		h.logger.WithError(err).Error("Failed to reload rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "规则加载失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"total":   h.store.Load().Len(),
	})
}

func (h *RuleHandler) respondRuleError(c *gin.Context, err error) {
	if errors.Is(err, rule.ErrRuleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "规则不存在"})
		return
	}
	h.logger.WithError(err).Error("Failed to get rule")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "获取规则失败"})
}

func hasLabel(r *rule.Rule, label string) bool {
	for _, l := range r.Label {
		if l == label {
			return true
		}
	}
	return false
}
