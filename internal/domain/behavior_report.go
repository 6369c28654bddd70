package domain

import "time"

// BehaviorReport 规则命中记录，每个行为命中一行
type BehaviorReport struct {
	ID       uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID   string  `gorm:"type:varchar(36);index:idx_report_task;not null" json:"task_id"`
	RuleName string  `gorm:"type:varchar(255);index:idx_report_rule;not null" json:"rule_name"`
	Crime    string  `gorm:"type:varchar(1024)" json:"crime"`
	Score    float64 `json:"score"`

	// 命中位置
	CallerClass      string `gorm:"type:varchar(512)" json:"caller_class"`
	CallerName       string `gorm:"type:varchar(255)" json:"caller_name"`
	CallerDescriptor string `gorm:"type:varchar(1024)" json:"caller_descriptor"`
	Offsets          string `gorm:"type:varchar(255)" json:"offsets"` // 逗号分隔的调用点偏移

	// 证据
	ParamValuesJSON string `gorm:"type:text" json:"param_values_json,omitempty"`
	URLsJSON        string `gorm:"type:text" json:"urls_json,omitempty"`
	Unresolved      int    `gorm:"default:0" json:"unresolved"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (BehaviorReport) TableName() string {
	return "behavior_reports"
}

// RuleHitCount 按规则聚合的命中数
type RuleHitCount struct {
	RuleName string `json:"rule_name"`
	Crime    string `json:"crime"`
	Count    int64  `json:"count"`
}
