package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/apk-analysis/apk-behavior-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 当前没有可用的 channel
var ErrNotConnected = errors.New("rabbitmq channel is not open")

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// URL 构建 amqp 连接地址
func (c *RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.VHost,
	}
	return u.String()
}

// RabbitMQ RabbitMQ 客户端，断线后自动重连
type RabbitMQ struct {
	config        *RabbitMQConfig
	logger        *logrus.Logger
	queueName     string
	prefetchCount int // 预取数量，应与 worker 数量匹配
	retryPolicy   retry.Policy

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	reconnected chan struct{}
}

// NewRabbitMQ 创建 RabbitMQ 客户端并声明队列
func NewRabbitMQ(config *RabbitMQConfig, queueName string, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:        config,
		logger:        logger,
		queueName:     queueName,
		prefetchCount: prefetchCount,
		retryPolicy:   retry.ReconnectPolicy(logger),
		reconnected:   make(chan struct{}, 1),
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// connect 建立连接、设置 QoS 并声明持久化队列
func (mq *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(
		mq.queueName, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.mu.Lock()
	mq.conn = conn
	mq.channel = ch
	mq.mu.Unlock()

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.queueName,
		"heartbeat":      mq.config.Heartbeat.String(),
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// Watch 监听连接关闭并重连，直到 ctx 结束或客户端关闭
func (mq *RabbitMQ) Watch(ctx context.Context) {
	for {
		mq.mu.RLock()
		conn := mq.conn
		mq.mu.RUnlock()
		if conn == nil {
			return
		}

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			return
		case amqpErr, ok := <-notify:
			if mq.isClosed() {
				return
			}
			if ok && amqpErr != nil {
				mq.logger.WithError(amqpErr).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}
		}

		if err := mq.reconnect(ctx); err != nil {
			mq.logger.WithError(err).Error("Giving up on RabbitMQ reconnect")
			return
		}
		select {
		case mq.reconnected <- struct{}{}:
		default:
		}
	}
}

// reconnect 按线性退避重连
func (mq *RabbitMQ) reconnect(ctx context.Context) error {
	return retry.Do(ctx, mq.retryPolicy, func(ctx context.Context) error {
		if mq.isClosed() {
			return retry.Permanent(ErrNotConnected)
		}
		return mq.connect()
	})
}

// Reconnected 重连成功后发出信号，消费者据此重新订阅
func (mq *RabbitMQ) Reconnected() <-chan struct{} {
	return mq.reconnected
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	return ch.PublishWithContext(
		ctx,
		"",           // exchange
		mq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 订阅队列，手动确认
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return nil, ErrNotConnected
	}

	msgs, err := ch.Consume(
		mq.queueName, // queue
		"",           // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueSize 队列中待处理的消息数
func (mq *RabbitMQ) QueueSize() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return 0, ErrNotConnected
	}

	q, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.closed = true

	if mq.channel != nil {
		if err := mq.channel.Close(); err != nil {
			mq.logger.WithError(err).Warn("Failed to close channel")
		}
	}
	if mq.conn != nil {
		if err := mq.conn.Close(); err != nil {
			mq.logger.WithError(err).Warn("Failed to close connection")
		}
	}

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
