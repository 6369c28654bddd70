package domain

import (
	"strings"
	"time"
)

// TaskStatus 分析任务状态
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// AnalysisTask 一次行为分析任务
type AnalysisTask struct {
	ID          string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	DumpPath    string     `gorm:"type:varchar(1024);not null" json:"dump_path"`
	PackageName string     `gorm:"type:varchar(255);index:idx_task_package" json:"package_name,omitempty"`
	Rules       string     `gorm:"type:text" json:"rules,omitempty"` // 逗号分隔的规则文件名，空表示全部规则
	Status      TaskStatus `gorm:"type:varchar(20);default:'queued';index:idx_task_status" json:"status"`

	ErrorMessage    string `gorm:"type:text" json:"error_message,omitempty"`
	RuleCount       int    `gorm:"default:0" json:"rule_count"`
	OccurrenceCount int    `gorm:"default:0" json:"occurrence_count"`
	DurationMs      int64  `gorm:"default:0" json:"duration_ms"`

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (AnalysisTask) TableName() string {
	return "analysis_tasks"
}

// RuleNames 任务指定的规则文件名
func (t *AnalysisTask) RuleNames() []string {
	if strings.TrimSpace(t.Rules) == "" {
		return nil
	}
	var names []string
	for _, name := range strings.Split(t.Rules, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// SetRuleNames 设置任务规则
func (t *AnalysisTask) SetRuleNames(names []string) {
	t.Rules = strings.Join(names, ",")
}
