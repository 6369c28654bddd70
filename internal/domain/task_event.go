package domain

import "time"

// TaskEvent 任务进度事件，通过 WebSocket 推送给订阅者
type TaskEvent struct {
	TaskID      string         `json:"task_id"`
	Status      TaskStatus     `json:"status"`
	PackageName string         `json:"package_name,omitempty"`
	RuleCount   int            `json:"rule_count,omitempty"`
	Occurrences int            `json:"occurrences"`
	Hits        map[string]int `json:"hits,omitempty"` // 规则文件名 -> 命中数
	Error       string         `json:"error,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// NewTaskEvent 根据任务当前状态构造事件
func NewTaskEvent(task *AnalysisTask) *TaskEvent {
	return &TaskEvent{
		TaskID:      task.ID,
		Status:      task.Status,
		PackageName: task.PackageName,
		RuleCount:   task.RuleCount,
		Occurrences: task.OccurrenceCount,
		Error:       task.ErrorMessage,
		Timestamp:   time.Now().Unix(),
	}
}
