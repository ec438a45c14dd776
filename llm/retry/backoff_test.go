package retry

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/autoagent/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

var errTransient = types.NewTransientError("backend hiccup", errors.New("connection reset"))

func TestBackoffRetryer_Success(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	var attempts []int
	result, err := retryer.Run(context.Background(), func(ctx context.Context, attempt int) (any, error) {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return nil, errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestBackoffRetryer_Exhausted(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		callCount++
		return errTransient
	})

	require.Error(t, err)
	assert.Equal(t, 3, callCount)

	ex, ok := AsExhausted(err)
	require.True(t, ok)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, ex.Last, errTransient)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestBackoffRetryer_NonRetryableFailsImmediately(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(5), zap.NewNop())

	callCount := 0
	validation := types.NewValidationError("prompt is required")
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		callCount++
		return validation
	})

	assert.Equal(t, 1, callCount)
	assert.Same(t, validation, err)
	_, exhausted := AsExhausted(err)
	assert.False(t, exhausted)
}

func TestBackoffRetryer_PlainErrorNotRetried(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		callCount++
		return errors.New("bad")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, callCount)
}

func TestBackoffRetryer_AttemptTimeout(t *testing.T) {
	p := fastPolicy(2)
	p.AttemptTimeout = 20 * time.Millisecond
	retryer := NewBackoffRetryer(p, zap.NewNop())

	var calls atomic.Int32
	start := time.Now()
	_, err := retryer.Run(context.Background(), func(ctx context.Context, attempt int) (any, error) {
		calls.Add(1)
		// 忽略 ctx，模拟不响应取消的外部调用
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})

	ex, ok := AsExhausted(err)
	require.True(t, ok)
	assert.True(t, types.IsErrorCode(ex.Last, types.ErrTimeout))
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, time.Since(start), 150*time.Millisecond, "不应等待迟到的结果")
}

func TestBackoffRetryer_AttemptContextDeadlineIsTimeout(t *testing.T) {
	p := fastPolicy(1)
	p.AttemptTimeout = 10 * time.Millisecond
	retryer := NewBackoffRetryer(p, zap.NewNop())

	_, err := retryer.Run(context.Background(), func(ctx context.Context, attempt int) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ex, ok := AsExhausted(err)
	require.True(t, ok)
	assert.True(t, types.IsErrorCode(ex.Last, types.ErrTimeout))
}

func TestBackoffRetryer_ContextCancelledDuringBackoff(t *testing.T) {
	p := fastPolicy(3)
	p.InitialDelay = time.Second
	p.MaxDelay = time.Second
	retryer := NewBackoffRetryer(p, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := retryer.Run(ctx, func(ctx context.Context, attempt int) (any, error) {
		return nil, errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffRetryer_GateCalledPerAttempt(t *testing.T) {
	p := fastPolicy(3)
	var entered, finished atomic.Int32
	p.Gate = func(ctx context.Context, attempt int) (func(any, error), error) {
		entered.Add(1)
		return func(any, error) { finished.Add(1) }, nil
	}
	retryer := NewBackoffRetryer(p, zap.NewNop())

	_, err := retryer.Run(context.Background(), func(ctx context.Context, attempt int) (any, error) {
		if attempt == 1 {
			return nil, errTransient
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), entered.Load())
	assert.Equal(t, int32(2), finished.Load())
}

func TestBackoffRetryer_GateValidationStopsImmediately(t *testing.T) {
	p := fastPolicy(3)
	p.Gate = func(ctx context.Context, attempt int) (func(any, error), error) {
		return nil, types.NewValidationError("too many tokens")
	}
	retryer := NewBackoffRetryer(p, zap.NewNop())

	called := false
	_, err := retryer.Run(context.Background(), func(ctx context.Context, attempt int) (any, error) {
		called = true
		return nil, nil
	})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	assert.False(t, called)
}

func TestBackoffRetryer_HonorsRetryAfter(t *testing.T) {
	p := fastPolicy(2)
	var delays []time.Duration
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}
	retryer := NewBackoffRetryer(p, zap.NewNop())

	_, _ = retryer.Run(context.Background(), func(ctx context.Context, attempt int) (any, error) {
		return nil, types.NewRateExceededError("busy", 40*time.Millisecond)
	})
	require.Len(t, delays, 1)
	assert.Equal(t, 40*time.Millisecond, delays[0])
}

func TestBackoffRetryer_PanicBecomesError(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(1), zap.NewNop())
	_, err := retryer.Run(context.Background(), func(ctx context.Context, attempt int) (any, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestCalculateDelay(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}, zap.NewNop()).(*backoffRetryer)

	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 400*time.Millisecond, r.calculateDelay(3))
	assert.Equal(t, 800*time.Millisecond, r.calculateDelay(4))
	assert.Equal(t, time.Second, r.calculateDelay(5))

	r.policy.Jitter = true
	for i := 0; i < 20; i++ {
		d := r.calculateDelay(3)
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestNewBackoffRetryer_Defaults(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{}, nil).(*backoffRetryer)
	assert.Equal(t, 3, r.policy.MaxAttempts)
	assert.Equal(t, time.Second, r.policy.InitialDelay)
	assert.Equal(t, 30*time.Second, r.policy.MaxDelay)
	assert.Equal(t, 2.0, r.policy.Multiplier)
	assert.NotNil(t, r.policy.Classify)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"retryable types error", errTransient, true},
		{"validation", types.NewValidationError("x"), false},
		{"wrapped retryable", WrapRetryable(errors.New("x")), true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRunTyped(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	v, err := RunTyped[int](r, context.Background(), func(ctx context.Context, attempt int) (int, error) {
		if attempt == 1 {
			return 0, errTransient
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = RunTyped[string](r, context.Background(), func(ctx context.Context, attempt int) (string, error) {
		return "", types.NewValidationError("bad")
	})
	assert.Error(t, err)
}
