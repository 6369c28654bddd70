package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy(attempts int) Policy {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return Policy{
		Operation:   "test",
		MaxAttempts: attempts,
		Initial:     time.Millisecond,
		Backoff:     BackoffFixed,
		Logger:      logger,
	}
}

// TestDo_Success 测试第一次就成功
func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testPolicy(3), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

// TestDo_SuccessAfterRetries 测试重试后成功
func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testPolicy(5), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// TestDo_Exhausted 测试次数用尽
func TestDo_Exhausted(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testPolicy(3), func(ctx context.Context) error {
		attempts++
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, attempts)
}

// TestDo_Permanent 测试不可重试错误立即返回原始错误
func TestDo_Permanent(t *testing.T) {
	cause := errors.New("access denied")
	attempts := 0
	err := Do(context.Background(), testPolicy(5), func(ctx context.Context) error {
		attempts++
		return Permanent(cause)
	})

	assert.Equal(t, cause, err)
	assert.Equal(t, 1, attempts)
}

// TestDo_ContextCanceled 测试等待期间取消
func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := testPolicy(10)
	p.Initial = time.Hour

	attempts := 0
	err := Do(ctx, p, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("temporary")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

// TestDoWithResult 测试带返回值的重试
func TestDoWithResult(t *testing.T) {
	attempts := 0
	res, err := DoWithResult(context.Background(), testPolicy(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("temporary")
		}
		return "connected", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "connected", res)
	assert.Equal(t, 2, attempts)
}

// TestPolicy_Interval 测试各退避方式的间隔与上限
func TestPolicy_Interval(t *testing.T) {
	tests := []struct {
		backoff Backoff
		want    []time.Duration
	}{
		{BackoffFixed, []time.Duration{time.Second, time.Second, time.Second, time.Second}},
		{BackoffLinear, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}},
		{BackoffExponential, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(string(tt.backoff), func(t *testing.T) {
			p := Policy{Initial: time.Second, Max: 3 * time.Second, Backoff: tt.backoff}
			for i, want := range tt.want {
				assert.Equal(t, want, p.interval(i+1), "attempt %d", i+1)
			}
		})
	}
}

// TestIsPermanent 测试错误分类
func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("bad dsn"))))
	assert.True(t, IsPermanent(context.Canceled))
	assert.True(t, IsPermanent(context.DeadlineExceeded))
	assert.False(t, IsPermanent(errors.New("timeout")))
	assert.Nil(t, Permanent(nil))
}

// TestPolicies 测试内置策略
func TestPolicies(t *testing.T) {
	rc := ReconnectPolicy(nil)
	assert.Equal(t, BackoffLinear, rc.Backoff)
	assert.Equal(t, 10, rc.MaxAttempts)

	db := DatabasePolicy(nil)
	assert.Equal(t, BackoffExponential, db.Backoff)
	assert.Equal(t, 4*time.Second, db.interval(4))
}
