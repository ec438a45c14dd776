package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/autoagent/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config, clock *fakeClock) *Limiter {
	t.Helper()
	l, err := New(cfg, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	return l
}

// =============================================================================
// 准入规则
// =============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{MaxRequestsPerMinute: 0, MaxTokensPerRequest: 10}, nil)
	assert.Error(t, err)
	_, err = New(Config{MaxRequestsPerMinute: 1, MaxTokensPerRequest: 0}, nil)
	assert.Error(t, err)
	_, err = New(Config{MaxRequestsPerMinute: 1, MaxTokensPerRequest: 1, Cooldown: -time.Second}, nil)
	assert.Error(t, err)

	l, err := New(Config{MaxRequestsPerMinute: 1, MaxTokensPerRequest: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, l.Config().Window)
}

func TestTryAcquire_RequestCeiling(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{MaxRequestsPerMinute: 3, MaxTokensPerRequest: 100}, clock)

	for i := 0; i < 3; i++ {
		_, err := l.TryAcquire("c", 10)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	_, err := l.TryAcquire("c", 10)
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrRateExceeded, e.Code)
	assert.True(t, e.Retryable)
	// 第一条记录在 t=0，当前 t=3s，需要再等 57s
	assert.Equal(t, 57*time.Second, e.RetryAfter)

	clock.Advance(57 * time.Second)
	_, err = l.TryAcquire("c", 10)
	assert.NoError(t, err)
}

func TestTryAcquire_CooldownPerCaller(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{MaxRequestsPerMinute: 60, MaxTokensPerRequest: 100, Cooldown: 5 * time.Second}, clock)

	_, err := l.TryAcquire("a", 1)
	require.NoError(t, err)

	// 其他调用方不受 a 的冷却影响
	_, err = l.TryAcquire("b", 1)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = l.TryAcquire("a", 1)
	require.Error(t, err)
	e, _ := types.AsError(err)
	assert.Equal(t, 3*time.Second, e.RetryAfter)

	clock.Advance(3 * time.Second)
	_, err = l.TryAcquire("a", 1)
	assert.NoError(t, err)
}

func TestTryAcquire_TokensPerRequest(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, DefaultConfig(), clock)

	_, err := l.TryAcquire("a", 4001)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	assert.False(t, types.IsRetryable(err))

	_, err = l.TryAcquire("a", -1)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = l.TryAcquire("a", 4000)
	assert.NoError(t, err)

	// 被拒绝的请求不计入窗口
	assert.Equal(t, 1, l.Stats().WindowRequests)
}

func TestTryAcquire_TokensPerMinute(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{MaxRequestsPerMinute: 100, MaxTokensPerRequest: 1000, MaxTokensPerMinute: 1500}, clock)

	_, err := l.TryAcquire("a", 1000)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)

	_, err = l.TryAcquire("b", 600)
	require.Error(t, err)
	e, _ := types.AsError(err)
	assert.Equal(t, types.ErrRateExceeded, e.Code)
	assert.Equal(t, 50*time.Second, e.RetryAfter)

	_, err = l.TryAcquire("b", 500)
	assert.NoError(t, err)
}

func TestPermit_ReleaseCorrectsTokens(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{MaxRequestsPerMinute: 100, MaxTokensPerRequest: 4000, MaxTokensPerMinute: 5000}, clock)

	p, err := l.TryAcquire("a", 4000)
	require.NoError(t, err)
	assert.Equal(t, 4000, l.Stats().WindowTokens)

	p.Release(500)
	assert.Equal(t, 500, p.Tokens())
	assert.Equal(t, 500, l.Stats().WindowTokens)

	// 重复释放无效
	p.Release(0)
	assert.Equal(t, 500, l.Stats().WindowTokens)

	// 修正后窗口有余量
	_, err = l.TryAcquire("b", 4000)
	assert.NoError(t, err)

	var nilPermit *Permit
	nilPermit.Release(10)
}

func TestPermit_ReleaseKeepsEstimate(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, DefaultConfig(), clock)

	p, err := l.TryAcquire("a", 1200)
	require.NoError(t, err)
	p.Release(-1)
	assert.Equal(t, 1200, l.Stats().WindowTokens)
	// 时间戳仍然占用请求名额
	assert.Equal(t, 1, l.Stats().WindowRequests)
}

func TestStats_WindowExpiry(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{MaxRequestsPerMinute: 10, MaxTokensPerRequest: 100, Cooldown: time.Second}, clock)

	for _, c := range []string{"a", "b", "c"} {
		_, err := l.TryAcquire(c, 10)
		require.NoError(t, err)
	}
	_, _ = l.TryAcquire("a", 10)

	s := l.Stats()
	assert.Equal(t, 3, s.WindowRequests)
	assert.Equal(t, 30, s.WindowTokens)
	assert.Equal(t, int64(3), s.Admitted)
	assert.Equal(t, int64(1), s.Rejected)

	clock.Advance(time.Minute)
	s = l.Stats()
	assert.Equal(t, 0, s.WindowRequests)
	assert.Equal(t, 0, s.WindowTokens)
	assert.Equal(t, 0, s.Callers)
}

// =============================================================================
// 阻塞模式
// =============================================================================

func TestAcquire_BlocksUntilCooldown(t *testing.T) {
	l, err := New(Config{MaxRequestsPerMinute: 60, MaxTokensPerRequest: 100, Cooldown: 50 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = l.Acquire(ctx, "a", 1)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, "a", 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l, err := New(Config{MaxRequestsPerMinute: 1, MaxTokensPerRequest: 100}, zap.NewNop())
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "a", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "b", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, l.Stats().Waiting)
}

func TestAcquire_ValidationNotWaited(t *testing.T) {
	l, err := New(DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = l.Acquire(ctx, "a", 9999)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestAcquire_ReleaseWakesTokenWaiter(t *testing.T) {
	l, err := New(Config{MaxRequestsPerMinute: 100, MaxTokensPerRequest: 1000, MaxTokensPerMinute: 1000}, zap.NewNop())
	require.NoError(t, err)

	p, err := l.Acquire(context.Background(), "a", 1000)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background(), "b", 500)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(100)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestClose_WakesWaiters(t *testing.T) {
	l, err := New(Config{MaxRequestsPerMinute: 1, MaxTokensPerRequest: 100}, zap.NewNop())
	require.NoError(t, err)
	_, err = l.Acquire(context.Background(), "a", 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background(), "b", 1)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLimiterClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by close")
	}
}

func TestAcquire_ConcurrentNoDoubleAdmission(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{MaxRequestsPerMinute: 10, MaxTokensPerRequest: 100}, clock)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.TryAcquire("shared", 1); err == nil {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(10), admitted.Load())
}

// =============================================================================
// 属性测试
// =============================================================================

type admission struct {
	at     time.Time
	caller string
}

func TestLimiter_WindowAndCooldownProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rpm := rapid.IntRange(1, 20).Draw(rt, "rpm")
		cooldown := time.Duration(rapid.IntRange(0, 10).Draw(rt, "cooldown_s")) * time.Second
		maxTokens := rapid.IntRange(1, 4000).Draw(rt, "max_tokens")

		clock := newFakeClock()
		l, err := New(Config{MaxRequestsPerMinute: rpm, MaxTokensPerRequest: maxTokens, Cooldown: cooldown},
			zap.NewNop(), WithClock(clock.Now))
		if err != nil {
			rt.Fatalf("new limiter: %v", err)
		}

		callers := []string{"a", "b", "c"}
		var log []admission
		steps := rapid.IntRange(1, 200).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			clock.Advance(time.Duration(rapid.IntRange(0, 15000).Draw(rt, "advance_ms")) * time.Millisecond)
			caller := rapid.SampledFrom(callers).Draw(rt, "caller")
			tokens := rapid.IntRange(0, 5000).Draw(rt, "tokens")

			_, err := l.TryAcquire(caller, tokens)
			if tokens > maxTokens {
				if !types.IsErrorCode(err, types.ErrValidation) {
					rt.Fatalf("expected validation error for %d > %d tokens, got %v", tokens, maxTokens, err)
				}
				continue
			}
			if err == nil {
				log = append(log, admission{at: clock.Now(), caller: caller})
			} else if !types.IsErrorCode(err, types.ErrRateExceeded) {
				rt.Fatalf("unexpected error: %v", err)
			}
		}

		last := map[string]time.Time{}
		for i, a := range log {
			if prev, ok := last[a.caller]; ok && a.at.Sub(prev) < cooldown {
				rt.Fatalf("caller %s admitted %v apart, cooldown %v", a.caller, a.at.Sub(prev), cooldown)
			}
			last[a.caller] = a.at

			inWindow := 0
			for _, b := range log[:i+1] {
				if a.at.Sub(b.at) < DefaultWindow {
					inWindow++
				}
			}
			if inWindow > rpm {
				rt.Fatalf("%d admissions within one window, ceiling %d", inWindow, rpm)
			}
		}

		s := l.Stats()
		if s.WindowRequests < 0 || s.WindowTokens < 0 {
			rt.Fatalf("negative budget: %+v", s)
		}
	})
}
