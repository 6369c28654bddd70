package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce 连续事件合并为一次重新加载的等待时间
const DefaultDebounce = 2 * time.Second

// ReloadRecorder 规则重新加载的指标
type ReloadRecorder interface {
	RecordRuleReload(success bool)
	SetRulesLoaded(count int)
}

// RuleWatcher 监控规则目录，变更后重新加载规则仓库
type RuleWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	store    *rule.Store
	metrics  ReloadRecorder
	logger   *logrus.Logger
	debounce time.Duration
}

// Option RuleWatcher 可选配置
type Option func(*RuleWatcher)

// WithDebounce 设置防抖时间
func WithDebounce(d time.Duration) Option {
	return func(rw *RuleWatcher) {
		rw.debounce = d
	}
}

// WithMetrics 设置指标记录
func WithMetrics(m ReloadRecorder) Option {
	return func(rw *RuleWatcher) {
		rw.metrics = m
	}
}

// NewRuleWatcher 创建规则目录监控器
func NewRuleWatcher(dir string, store *rule.Store, logger *logrus.Logger, opts ...Option) (*RuleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	rw := &RuleWatcher{
		watcher:  w,
		dir:      dir,
		store:    store,
		logger:   logger,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(rw)
	}

	logger.WithFields(logrus.Fields{
		"rules_dir": dir,
		"debounce":  rw.debounce.String(),
	}).Info("Rule watcher created")

	return rw, nil
}

// Run 处理目录事件直到 ctx 结束
func (rw *RuleWatcher) Run(ctx context.Context) {
	defer rw.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("Rule watcher stopped")
			return

		case event, ok := <-rw.watcher.Events:
			if !ok {
				rw.logger.Warn("Watcher events channel closed")
				return
			}
			if !isRuleEvent(event) {
				continue
			}

			rw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("Rule file event detected")

			// 多个文件的连续变更只触发一次加载
			if timer == nil {
				timer = time.NewTimer(rw.debounce)
			} else {
				timer.Reset(rw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			rw.Reload()

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				rw.logger.Warn("Watcher errors channel closed")
				return
			}
			rw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// Reload 重新加载规则目录；失败时保留当前规则仓库
func (rw *RuleWatcher) Reload() error {
	startTime := time.Now()

	rs, err := rule.NewDefaultRuleset(rw.dir)
	if err != nil {
		rw.logger.WithError(err).WithField("rules_dir", rw.dir).Error("Failed to reload rules, keeping previous ruleset")
		if rw.metrics != nil {
			rw.metrics.RecordRuleReload(false)
		}
		return err
	}

	if conflicts := rs.Conflicts(); len(conflicts) > 0 {
		rw.logger.WithField("files", conflicts).Warn("Duplicate rule numbers, files only reachable by name")
	}

	rw.store.Swap(rs)
	if rw.metrics != nil {
		rw.metrics.RecordRuleReload(true)
		rw.metrics.SetRulesLoaded(rs.Len())
	}

	rw.logger.WithFields(logrus.Fields{
		"rules":       rs.Len(),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Info("Rules reloaded")
	return nil
}

// isRuleEvent 是否为规则文件的变更事件
func isRuleEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return strings.EqualFold(filepath.Ext(event.Name), rule.RuleExt)
}
