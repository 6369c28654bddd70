package repository

import (
	"context"
	"time"

	"github.com/apk-analysis/apk-behavior-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AnalysisTaskRepository 分析任务 Repository
type AnalysisTaskRepository interface {
	Create(ctx context.Context, task *domain.AnalysisTask) error
	FindByID(ctx context.Context, id string) (*domain.AnalysisTask, error)
	List(ctx context.Context, limit int) ([]*domain.AnalysisTask, error)
	MarkRunning(ctx context.Context, id string, packageName string) error
	MarkCompleted(ctx context.Context, id string, ruleCount, occurrenceCount int, durationMs int64) error
	MarkFailed(ctx context.Context, id string, errorMessage string) error
	Delete(ctx context.Context, id string) error

	// 服务重启时的任务恢复
	FindByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.AnalysisTask, error)
	FailRunning(ctx context.Context, errorMessage string) (int64, error)
}

type analysisTaskRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewAnalysisTaskRepository 创建分析任务 Repository
func NewAnalysisTaskRepository(db *gorm.DB, logger *logrus.Logger) AnalysisTaskRepository {
	return &analysisTaskRepo{db: db, logger: logger}
}

func (r *analysisTaskRepo) Create(ctx context.Context, task *domain.AnalysisTask) error {
	task.CreatedAt = time.Now().UTC()
	if task.Status == "" {
		task.Status = domain.TaskStatusQueued
	}
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *analysisTaskRepo) FindByID(ctx context.Context, id string) (*domain.AnalysisTask, error) {
	var task domain.AnalysisTask
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// List 最近创建的任务
func (r *analysisTaskRepo) List(ctx context.Context, limit int) ([]*domain.AnalysisTask, error) {
	var tasks []*domain.AnalysisTask
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *analysisTaskRepo) MarkRunning(ctx context.Context, id string, packageName string) error {
	now := time.Now().UTC()
	return r.updates(ctx, id, map[string]interface{}{
		"status":       domain.TaskStatusRunning,
		"package_name": packageName,
		"started_at":   &now,
	})
}

func (r *analysisTaskRepo) MarkCompleted(ctx context.Context, id string, ruleCount, occurrenceCount int, durationMs int64) error {
	now := time.Now().UTC()
	return r.updates(ctx, id, map[string]interface{}{
		"status":           domain.TaskStatusCompleted,
		"rule_count":       ruleCount,
		"occurrence_count": occurrenceCount,
		"duration_ms":      durationMs,
		"completed_at":     &now,
	})
}

func (r *analysisTaskRepo) MarkFailed(ctx context.Context, id string, errorMessage string) error {
	now := time.Now().UTC()
	return r.updates(ctx, id, map[string]interface{}{
		"status":        domain.TaskStatusFailed,
		"error_message": errorMessage,
		"completed_at":  &now,
	})
}

func (r *analysisTaskRepo) updates(ctx context.Context, id string, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&domain.AnalysisTask{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Task update failed")
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *analysisTaskRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.AnalysisTask{}, "id = ?", id).Error
}

// FindByStatus 按状态查询任务，先创建的在前
func (r *analysisTaskRepo) FindByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.AnalysisTask, error) {
	var tasks []*domain.AnalysisTask
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// FailRunning 将上次运行中断的任务标记为失败
func (r *analysisTaskRepo) FailRunning(ctx context.Context, errorMessage string) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.AnalysisTask{}).
		Where("status = ?", domain.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"error_message": errorMessage,
			"completed_at":  &now,
		})
	return result.RowsAffected, result.Error
}
