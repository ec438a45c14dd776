package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/BaSui01/autoagent/types"
	"go.uber.org/zap"
)

// RetryPolicy 定义重试策略配置
type RetryPolicy struct {
	MaxAttempts    int           // 最大尝试次数（含首次），默认 3
	InitialDelay   time.Duration // 首次重试前的退避
	MaxDelay       time.Duration // 退避上限
	Multiplier     float64       // 退避倍增因子
	Jitter         bool          // ±25% 随机抖动
	AttemptTimeout time.Duration // 单次尝试超时，0 表示不限制

	// Classify 判断错误是否可重试，默认 IsTransient
	Classify func(err error) bool
	// Gate 在每次尝试之前获取准入（不计入尝试超时）
	Gate Gate
	// OnRetry 在进入退避等待前回调
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy 返回默认的重试策略
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Work 一次尝试。attempt 从 1 开始；ctx 在尝试超时或外部取消时结束。
type Work func(ctx context.Context, attempt int) (any, error)

// Gate 尝试前的准入闸门。返回的 done 在该次尝试结束（或被放弃）后调用一次。
type Gate func(ctx context.Context, attempt int) (done func(result any, err error), err error)

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func(ctx context.Context) error) error

	// Run 执行 Work，返回结果或 *ExhaustedError
	Run(ctx context.Context, work Work) (any, error)
}

// ExhaustedError 重试耗尽
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// AsExhausted 从错误链中提取 *ExhaustedError
func AsExhausted(err error) (*ExhaustedError, bool) {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex, true
	}
	return nil, false
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *RetryPolicy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	p := *policy

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.Classify == nil {
		p.Classify = IsTransient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &backoffRetryer{
		policy: &p,
		logger: logger,
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.Run(ctx, func(ctx context.Context, _ int) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Run 实现 Retryer.Run
// 只有可重试错误会消耗重试次数；不可重试错误立即返回；外部 ctx 结束时返回 ctx 错误。
func (r *backoffRetryer) Run(ctx context.Context, work Work) (any, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := r.runAttempt(ctx, attempt, work)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err
		if !r.policy.Classify(err) {
			r.logger.Debug("错误不可重试", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)
		if e, ok := types.AsError(err); ok && e.RetryAfter > delay {
			delay = e.RetryAfter
		}

		r.logger.Debug("重试中",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, &ExhaustedError{Attempts: r.policy.MaxAttempts, Last: lastErr}
}

type outcome struct {
	result any
	err    error
}

// runAttempt 执行一次尝试。尝试在独立 goroutine 中运行，超时或取消时不再等待，
// 其迟到的结果被丢弃。
func (r *backoffRetryer) runAttempt(ctx context.Context, attempt int, work Work) (any, error) {
	var done func(any, error)
	if r.policy.Gate != nil {
		d, err := r.policy.Gate(ctx, attempt)
		if err != nil {
			return nil, err
		}
		done = d
	}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.policy.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
	}
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("attempt panicked: %v", p)}
			}
		}()
		res, err := work(attemptCtx, attempt)
		ch <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-ch:
		if o.err != nil && ctx.Err() == nil && attemptCtx.Err() != nil && errors.Is(o.err, context.DeadlineExceeded) {
			o.err = attemptTimeout(attempt, r.policy.AttemptTimeout)
		}
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			o = outcome{err: err}
		} else {
			o = outcome{err: attemptTimeout(attempt, r.policy.AttemptTimeout)}
		}
	}

	if done != nil {
		done(o.result, o.err)
	}
	return o.result, o.err
}

func attemptTimeout(attempt int, d time.Duration) error {
	return types.Errorf(types.ErrTimeout, "attempt %d exceeded %s", attempt, d).WithRetryable(true)
}

// calculateDelay 计算第 attempt 次失败后的退避
// delay = initial * multiplier^(attempt-1)，上限 MaxDelay，可选 ±25% 抖动
func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}

	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}

	return time.Duration(delay)
}

// IsTransient 默认的可重试判定：显式标记可重试的错误、网络错误、超时
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := types.AsError(err); ok {
		return e.Retryable
	}
	if IsRetryableError(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryableError 可重试的错误类型
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryableError 检查错误是否被 WrapRetryable 包装为可重试错误。
// 注意：这与 types.IsRetryable 语义不同，本函数只检查 *RetryableError 包装类型。
func IsRetryableError(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// WrapRetryable 将错误包装为可重试错误
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}
