package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler 分析任务处理函数
type Handler func(ctx context.Context, msg *AnalysisMessage) error

// acknowledger amqp.Delivery 的确认操作
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer 消息消费者，固定数量的 worker 并行处理
type Consumer struct {
	mq            *RabbitMQ
	handler       Handler
	workers       int
	metrics       MessageRecorder
	logger        *logrus.Logger
	activeWorkers atomic.Int32
}

// NewConsumer 创建消费者，metrics 可以为 nil
func NewConsumer(mq *RabbitMQ, handler Handler, workers int, metrics MessageRecorder, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		mq:      mq,
		handler: handler,
		workers: workers,
		metrics: metrics,
		logger:  logger,
	}
}

// Run 消费直到 ctx 结束；连接重建后重新订阅
func (c *Consumer) Run(ctx context.Context) error {
	go c.mq.Watch(ctx)

	for {
		msgs, err := c.mq.Consume()
		if err != nil {
			return err
		}

		c.logger.WithField("workers", c.workers).Info("Consumer started")

		var wg sync.WaitGroup
		for i := 0; i < c.workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				c.worker(ctx, id, msgs)
			}(i)
		}
		wg.Wait()

		// worker 退出说明 ctx 结束或 delivery 通道已关闭
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopped")
			return nil
		case <-c.mq.Reconnected():
			c.logger.Warn("Resubscribing after reconnect")
		}
	}
}

// worker 工作协程
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	c.activeWorkers.Add(1)
	defer c.activeWorkers.Add(-1)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Delivery channel closed")
				return
			}
			c.processMessage(ctx, id, d.Body, d)
		}
	}
}

// processMessage 处理单条消息；失败的消息不重新入队，任务状态已记录失败原因
func (c *Consumer) processMessage(ctx context.Context, workerID int, body []byte, ack acknowledger) {
	startTime := time.Now()

	var msg AnalysisMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal message")
		c.reject(ack, "rejected")
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.WithError(err).Error("Invalid analysis message")
		c.reject(ack, "rejected")
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"task_id":   msg.TaskID,
		"dump_path": msg.DumpPath,
	})
	log.Info("Processing analysis")

	if err := c.handler(ctx, &msg); err != nil {
		log.WithError(err).Error("Analysis processing failed")
		c.reject(ack, "failed")
		return
	}

	if err := ack.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	c.record("acked")

	log.WithField("duration_ms", time.Since(startTime).Milliseconds()).Info("Analysis message handled")
}

func (c *Consumer) reject(ack acknowledger, result string) {
	if err := ack.Nack(false, false); err != nil {
		c.logger.WithError(err).Error("Failed to reject message")
	}
	c.record(result)
}

func (c *Consumer) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordQueueMessage(result)
	}
}

// ActiveWorkers 活跃 worker 数量
func (c *Consumer) ActiveWorkers() int {
	return int(c.activeWorkers.Load())
}
