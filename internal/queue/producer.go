package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// DefaultQueue 分析任务队列名
const DefaultQueue = "behavior_analysis"

// AnalysisMessage 分析任务消息
type AnalysisMessage struct {
	TaskID   string   `json:"task_id"`
	DumpPath string   `json:"dump_path"`
	Rules    []string `json:"rules,omitempty"` // 空表示全部规则
}

// Validate 消息至少需要任务 ID 或 dump 路径之一
func (m *AnalysisMessage) Validate() error {
	if m.TaskID == "" && m.DumpPath == "" {
		return fmt.Errorf("message has neither task_id nor dump_path")
	}
	return nil
}

// MessageRecorder 队列消息指标
type MessageRecorder interface {
	RecordQueueMessage(result string)
}

// publisher 发布原始消息
type publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	mq      publisher
	metrics MessageRecorder
	logger  *logrus.Logger
}

// NewProducer 创建生产者，metrics 可以为 nil
func NewProducer(mq publisher, metrics MessageRecorder, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:      mq,
		metrics: metrics,
		logger:  logger,
	}
}

// PublishAnalysis 发布分析任务消息
func (p *Producer) PublishAnalysis(ctx context.Context, msg *AnalysisMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to publish analysis")
		return fmt.Errorf("failed to publish: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordQueueMessage("published")
	}

	p.logger.WithFields(logrus.Fields{
		"task_id":   msg.TaskID,
		"dump_path": msg.DumpPath,
	}).Info("Analysis published to queue")

	return nil
}
