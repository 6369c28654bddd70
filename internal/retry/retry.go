package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Backoff 退避方式
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"       // 固定间隔
	BackoffLinear      Backoff = "linear"      // 线性递增
	BackoffExponential Backoff = "exponential" // 指数退避
)

// ErrExhausted 重试次数用尽
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy 重试策略
type Policy struct {
	Operation   string // 日志中的操作名
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Backoff     Backoff
	Logger      *logrus.Logger
}

// ReconnectPolicy 消息队列断线重连策略
func ReconnectPolicy(logger *logrus.Logger) Policy {
	return Policy{
		Operation:   "rabbitmq reconnect",
		MaxAttempts: 10,
		Initial:     time.Second,
		Max:         10 * time.Second,
		Backoff:     BackoffLinear,
		Logger:      logger,
	}
}

// DatabasePolicy 启动时连接数据库的策略
func DatabasePolicy(logger *logrus.Logger) Policy {
	return Policy{
		Operation:   "database connect",
		MaxAttempts: 5,
		Initial:     500 * time.Millisecond,
		Max:         8 * time.Second,
		Backoff:     BackoffExponential,
		Logger:      logger,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不应重试的错误，例如配置错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否不可重试
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Do 按策略执行 fn，直到成功、遇到不可重试错误或次数用尽
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult 带返回值的 Do
func DoWithResult[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Logger == nil {
		p.Logger = logrus.StandardLogger()
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		res, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				p.Logger.WithFields(logrus.Fields{
					"operation": p.Operation,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return res, nil
		}
		lastErr = err

		if IsPermanent(err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				return zero, perm.err
			}
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.interval(attempt)
		p.Logger.WithFields(logrus.Fields{
			"operation": p.Operation,
			"attempt":   attempt,
			"max":       p.MaxAttempts,
			"wait":      wait.String(),
			"error":     err.Error(),
		}).Warn("Operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%s: %w after %d attempts: %v", p.Operation, ErrExhausted, p.MaxAttempts, lastErr)
}

// interval 第 attempt 次失败后的等待时间
func (p Policy) interval(attempt int) time.Duration {
	var next time.Duration
	switch p.Backoff {
	case BackoffLinear:
		next = p.Initial * time.Duration(attempt)
	case BackoffExponential:
		next = p.Initial * time.Duration(1<<(attempt-1))
	default:
		next = p.Initial
	}
	if p.Max > 0 && next > p.Max {
		next = p.Max
	}
	return next
}
