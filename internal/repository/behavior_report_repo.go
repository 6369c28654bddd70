package repository

import (
	"context"

	"github.com/apk-analysis/apk-behavior-go/internal/domain"
	"gorm.io/gorm"
)

// BehaviorReportRepository 规则命中记录 Repository
type BehaviorReportRepository interface {
	CreateBatch(ctx context.Context, reports []*domain.BehaviorReport) error
	FindByTaskID(ctx context.Context, taskID string) ([]*domain.BehaviorReport, error)
	CountByRule(ctx context.Context, taskID string) ([]domain.RuleHitCount, error)
	DeleteByTaskID(ctx context.Context, taskID string) error
	ReplaceForTask(ctx context.Context, taskID string, reports []*domain.BehaviorReport) error
}

// behaviorReportRepo 规则命中记录 Repository 实现
type behaviorReportRepo struct {
	db *gorm.DB
}

// NewBehaviorReportRepository 创建规则命中记录 Repository
func NewBehaviorReportRepository(db *gorm.DB) BehaviorReportRepository {
	return &behaviorReportRepo{db: db}
}

// CreateBatch 批量写入命中记录
func (r *behaviorReportRepo) CreateBatch(ctx context.Context, reports []*domain.BehaviorReport) error {
	if len(reports) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(reports, 100).Error
}

// FindByTaskID 查询任务的全部命中，按写入顺序
func (r *behaviorReportRepo) FindByTaskID(ctx context.Context, taskID string) ([]*domain.BehaviorReport, error) {
	var reports []*domain.BehaviorReport
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Find(&reports).Error
	return reports, err
}

// CountByRule 按规则聚合命中数
func (r *behaviorReportRepo) CountByRule(ctx context.Context, taskID string) ([]domain.RuleHitCount, error) {
	var counts []domain.RuleHitCount
	err := r.db.WithContext(ctx).
		Model(&domain.BehaviorReport{}).
		Select("rule_name, crime, COUNT(*) AS count").
		Where("task_id = ?", taskID).
		Group("rule_name, crime").
		Order("rule_name ASC").
		Scan(&counts).Error
	return counts, err
}

// DeleteByTaskID 删除任务的全部命中
func (r *behaviorReportRepo) DeleteByTaskID(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&domain.BehaviorReport{}).Error
}

// ReplaceForTask 在事务中替换任务的命中记录（重新分析时使用）
func (r *behaviorReportRepo) ReplaceForTask(ctx context.Context, taskID string, reports []*domain.BehaviorReport) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", taskID).Delete(&domain.BehaviorReport{}).Error; err != nil {
			return err
		}
		if len(reports) == 0 {
			return nil
		}
		return tx.CreateInBatches(reports, 100).Error
	})
}
