package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apk-analysis/apk-behavior-go/internal/analysis"
	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
	"github.com/apk-analysis/apk-behavior-go/internal/behavior"
	"github.com/apk-analysis/apk-behavior-go/internal/domain"
	"github.com/apk-analysis/apk-behavior-go/internal/repository"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrTaskNotRunnable 任务已经结束，不能再次执行
var ErrTaskNotRunnable = errors.New("task is not runnable")

// MetricsRecorder 分析过程中需要记录的指标
type MetricsRecorder interface {
	RecordAnalysisQueued()
	RecordAnalysisStarted()
	RecordAnalysisCompleted(duration time.Duration)
	RecordAnalysisFailed(duration time.Duration)
	RecordCallGraph(methods, edges int)
	RecordRuleMatches(rule string, count int)
	RecordUnresolved(unknown, depthExceeded int)
}

// EventSink 接收任务进度事件，实现方不能阻塞
type EventSink interface {
	Publish(event *domain.TaskEvent)
}

// DumpLoader 读取反汇编结果
type DumpLoader func(path string) (*apkinfo.MemoryPackage, error)

// AnalysisService 行为分析服务接口
type AnalysisService interface {
	// Submit 校验规则并创建排队中的任务
	Submit(ctx context.Context, dumpPath string, ruleNames []string) (*domain.AnalysisTask, error)

	// Run 执行已创建的任务并持久化命中结果
	Run(ctx context.Context, taskID string) error

	// Analyze 同步执行：Submit 后立即 Run
	Analyze(ctx context.Context, dumpPath string, ruleNames []string) (*domain.AnalysisTask, error)

	// GetTask 获取任务
	GetTask(ctx context.Context, taskID string) (*domain.AnalysisTask, error)

	// ListTasks 最近的任务
	ListTasks(ctx context.Context, limit int) ([]*domain.AnalysisTask, error)

	// GetReports 任务的命中记录
	GetReports(ctx context.Context, taskID string) ([]*domain.BehaviorReport, error)

	// Summary 任务按规则聚合的命中数
	Summary(ctx context.Context, taskID string) ([]domain.RuleHitCount, error)

	// Recover 服务启动时将中断的任务标记为失败，返回仍在排队的任务
	Recover(ctx context.Context) ([]*domain.AnalysisTask, error)
}

// AnalysisServiceConfig 服务依赖
type AnalysisServiceConfig struct {
	TaskRepo   repository.AnalysisTaskRepository
	ReportRepo repository.BehaviorReportRepository
	Rules      *rule.Store
	Options    analysis.Options
	DumpDir    string // 相对路径的根目录
	LoadDump   DumpLoader
	Metrics    MetricsRecorder
	Events     EventSink
	Logger     *logrus.Logger
}

type analysisService struct {
	taskRepo   repository.AnalysisTaskRepository
	reportRepo repository.BehaviorReportRepository
	rules      *rule.Store
	opts       analysis.Options
	dumpDir    string
	loadDump   DumpLoader
	metrics    MetricsRecorder
	events     EventSink
	logger     *logrus.Logger
}

// NewAnalysisService 创建行为分析服务实例
func NewAnalysisService(cfg AnalysisServiceConfig) AnalysisService {
	s := &analysisService{
		taskRepo:   cfg.TaskRepo,
		reportRepo: cfg.ReportRepo,
		rules:      cfg.Rules,
		opts:       cfg.Options,
		dumpDir:    cfg.DumpDir,
		loadDump:   cfg.LoadDump,
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		logger:     cfg.Logger,
	}
	if s.loadDump == nil {
		s.loadDump = apkinfo.LoadDump
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.events == nil {
		s.events = nopEvents{}
	}
	return s
}

func (s *analysisService) Submit(ctx context.Context, dumpPath string, ruleNames []string) (*domain.AnalysisTask, error) {
	if strings.TrimSpace(dumpPath) == "" {
		return nil, fmt.Errorf("dump path is required")
	}
	if _, err := s.selectRules(ruleNames); err != nil {
		return nil, err
	}

	task := &domain.AnalysisTask{
		ID:       uuid.New().String(),
		DumpPath: dumpPath,
		Status:   domain.TaskStatusQueued,
	}
	task.SetRuleNames(ruleNames)

	if err := s.taskRepo.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	s.metrics.RecordAnalysisQueued()
	s.events.Publish(domain.NewTaskEvent(task))

	s.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"dump_path": dumpPath,
		"rules":     len(ruleNames),
	}).Info("Analysis task created")

	return task, nil
}

func (s *analysisService) Run(ctx context.Context, taskID string) error {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to find task %s: %w", taskID, err)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotRunnable, taskID, task.Status)
	}

	startTime := time.Now()
	s.metrics.RecordAnalysisStarted()

	log := s.logger.WithField("task_id", taskID)
	ruleCount, hits, runErr := s.execute(ctx, task, log)
	duration := time.Since(startTime)

	if runErr != nil {
		s.metrics.RecordAnalysisFailed(duration)
		log.WithError(runErr).Error("Analysis failed")
		// 任务状态与 ctx 无关，取消后也要落库
		if err := s.taskRepo.MarkFailed(context.WithoutCancel(ctx), taskID, runErr.Error()); err != nil {
			log.WithError(err).Error("Failed to mark task failed")
		}
		s.events.Publish(&domain.TaskEvent{
			TaskID:      taskID,
			Status:      domain.TaskStatusFailed,
			PackageName: task.PackageName,
			Error:       runErr.Error(),
			Timestamp:   time.Now().Unix(),
		})
		return runErr
	}

	occCount := 0
	for _, n := range hits {
		occCount += n
	}

	if err := s.taskRepo.MarkCompleted(ctx, taskID, ruleCount, occCount, duration.Milliseconds()); err != nil {
		s.metrics.RecordAnalysisFailed(duration)
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	s.metrics.RecordAnalysisCompleted(duration)
	s.events.Publish(&domain.TaskEvent{
		TaskID:      taskID,
		Status:      domain.TaskStatusCompleted,
		PackageName: task.PackageName,
		RuleCount:   ruleCount,
		Occurrences: occCount,
		Hits:        hits,
		Timestamp:   time.Now().Unix(),
	})

	log.WithFields(logrus.Fields{
		"rules":       ruleCount,
		"occurrences": occCount,
		"duration_ms": duration.Milliseconds(),
	}).Info("Analysis completed")
	return nil
}

// execute 加载反汇编结果、匹配规则并保存命中记录，返回规则数和每条规则的命中数
func (s *analysisService) execute(ctx context.Context, task *domain.AnalysisTask, log *logrus.Entry) (int, map[string]int, error) {
	rules, err := s.selectRules(task.RuleNames())
	if err != nil {
		return 0, nil, err
	}

	pkg, err := s.loadDump(s.resolveDumpPath(task.DumpPath))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load dump: %w", err)
	}

	if err := s.taskRepo.MarkRunning(ctx, task.ID, pkg.Name); err != nil {
		return 0, nil, fmt.Errorf("failed to mark task running: %w", err)
	}
	task.PackageName = pkg.Name
	s.events.Publish(&domain.TaskEvent{
		TaskID:      task.ID,
		Status:      domain.TaskStatusRunning,
		PackageName: pkg.Name,
		RuleCount:   len(rules),
		Timestamp:   time.Now().Unix(),
	})
	log.WithFields(logrus.Fields{
		"package": pkg.Name,
		"rules":   len(rules),
	}).Info("Analysis started")

	result := analysis.New(pkg, rules, s.opts, s.logger)
	s.metrics.RecordCallGraph(result.Index().Stats())

	if err := result.ResolveEvidence(ctx); err != nil {
		return 0, nil, fmt.Errorf("failed to match rules: %w", err)
	}
	occs, err := result.Occurrences(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to match rules: %w", err)
	}

	reports, hits, err := s.buildReports(task.ID, occs)
	if err != nil {
		return 0, nil, err
	}
	if err := s.reportRepo.ReplaceForTask(ctx, task.ID, reports); err != nil {
		return 0, nil, fmt.Errorf("failed to save reports: %w", err)
	}
	return len(rules), hits, nil
}

// buildReports 将命中转换为持久化记录，同时记录指标
func (s *analysisService) buildReports(taskID string, occs []*behavior.Occurrence) ([]*domain.BehaviorReport, map[string]int, error) {
	reports := make([]*domain.BehaviorReport, 0, len(occs))
	perRule := make(map[string]int)

	for _, occ := range occs {
		ev := occ.Evidence()

		params, err := json.Marshal(ev.Params)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode params: %w", err)
		}
		urls, err := json.Marshal(ev.URLs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode urls: %w", err)
		}

		offsets := make([]string, len(ev.Offsets))
		for i, off := range ev.Offsets {
			offsets[i] = strconv.Itoa(off)
		}

		reports = append(reports, &domain.BehaviorReport{
			TaskID:           taskID,
			RuleName:         ev.Rule,
			Crime:            ev.Crime,
			Score:            ev.Score,
			CallerClass:      occ.Caller.Class,
			CallerName:       occ.Caller.Name,
			CallerDescriptor: occ.Caller.Descriptor,
			Offsets:          strings.Join(offsets, ","),
			ParamValuesJSON:  string(params),
			URLsJSON:         string(urls),
			Unresolved:       ev.Unresolved,
		})

		perRule[ev.Rule]++
		s.metrics.RecordUnresolved(ev.Unresolved, ev.DepthExceeded)
	}

	for name, count := range perRule {
		s.metrics.RecordRuleMatches(name, count)
	}
	return reports, perRule, nil
}

func (s *analysisService) Analyze(ctx context.Context, dumpPath string, ruleNames []string) (*domain.AnalysisTask, error) {
	task, err := s.Submit(ctx, dumpPath, ruleNames)
	if err != nil {
		return nil, err
	}
	if err := s.Run(ctx, task.ID); err != nil {
		return nil, err
	}
	return s.taskRepo.FindByID(ctx, task.ID)
}

func (s *analysisService) GetTask(ctx context.Context, taskID string) (*domain.AnalysisTask, error) {
	return s.taskRepo.FindByID(ctx, taskID)
}

func (s *analysisService) ListTasks(ctx context.Context, limit int) ([]*domain.AnalysisTask, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.taskRepo.List(ctx, limit)
}

func (s *analysisService) GetReports(ctx context.Context, taskID string) ([]*domain.BehaviorReport, error) {
	if _, err := s.taskRepo.FindByID(ctx, taskID); err != nil {
		return nil, err
	}
	return s.reportRepo.FindByTaskID(ctx, taskID)
}

func (s *analysisService) Summary(ctx context.Context, taskID string) ([]domain.RuleHitCount, error) {
	return s.reportRepo.CountByRule(ctx, taskID)
}

func (s *analysisService) Recover(ctx context.Context) ([]*domain.AnalysisTask, error) {
	failed, err := s.taskRepo.FailRunning(ctx, "service restarted while task was running")
	if err != nil {
		return nil, fmt.Errorf("failed to reset running tasks: %w", err)
	}
	if failed > 0 {
		s.logger.WithField("count", failed).Warn("Marked interrupted tasks as failed")
	}

	queued, err := s.taskRepo.FindByStatus(ctx, domain.TaskStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued tasks: %w", err)
	}
	return queued, nil
}

// selectRules 按文件名选择规则，空列表表示当前仓库中的全部规则
func (s *analysisService) selectRules(names []string) ([]*rule.Rule, error) {
	rs := s.rules.Load()
	if rs == nil {
		return nil, fmt.Errorf("%w: no ruleset loaded", rule.ErrRuleNotFound)
	}
	if len(names) == 0 {
		return rs.Rules(), nil
	}

	rules := make([]*rule.Rule, 0, len(names))
	for _, name := range names {
		r, err := rs.Get(name)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (s *analysisService) resolveDumpPath(path string) string {
	if filepath.IsAbs(path) || s.dumpDir == "" {
		return path
	}
	return filepath.Join(s.dumpDir, path)
}

type nopMetrics struct{}

func (nopMetrics) RecordAnalysisQueued()                 {}
func (nopMetrics) RecordAnalysisStarted()                {}
func (nopMetrics) RecordAnalysisCompleted(time.Duration) {}
func (nopMetrics) RecordAnalysisFailed(time.Duration)    {}
func (nopMetrics) RecordCallGraph(int, int)              {}
func (nopMetrics) RecordRuleMatches(string, int)         {}
func (nopMetrics) RecordUnresolved(int, int)             {}

type nopEvents struct{}

func (nopEvents) Publish(*domain.TaskEvent) {}
