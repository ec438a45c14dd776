// Package ratelimit 为模型后端调用提供进程级的滑动窗口限流。
//
// 每次准入需同时满足：窗口内请求数未满、同一调用方距上次准入已过冷却期、
// 单次 token 估算不超过上限（以及可选的窗口 token 总量上限）。
// 准入判定与记录在同一把锁内完成，不存在两个调用方同时看到余量的竞态。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/autoagent/types"
	"go.uber.org/zap"
)

// DefaultWindow 滑动窗口长度
const DefaultWindow = time.Minute

// ErrLimiterClosed 限流器已关闭
var ErrLimiterClosed = errors.New("rate limiter closed")

// Config 限流配置
type Config struct {
	MaxRequestsPerMinute int           `json:"max_requests_per_minute"`
	MaxTokensPerRequest  int           `json:"max_tokens_per_request"`
	MaxTokensPerMinute   int           `json:"max_tokens_per_minute"` // 0 表示不限制
	Cooldown             time.Duration `json:"cooldown"`
	Window               time.Duration `json:"window"`
}

// DefaultConfig 返回默认限流配置
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerMinute: 60,
		MaxTokensPerRequest:  4000,
		Cooldown:             5 * time.Second,
		Window:               DefaultWindow,
	}
}

// Stats 限流器统计
type Stats struct {
	WindowRequests int   `json:"window_requests"`
	WindowTokens   int   `json:"window_tokens"`
	Callers        int   `json:"callers"`
	Waiting        int   `json:"waiting"`
	Admitted       int64 `json:"admitted"`
	Rejected       int64 `json:"rejected"`
	MaxRequests    int   `json:"max_requests"`
	MaxTokens      int   `json:"max_tokens_per_request"`
}

// Observer 接收准入事件，通常由指标收集器实现
type Observer interface {
	ObserveAdmission(caller string, wait time.Duration)
	ObserveRejection(caller string, reason string)
}

type record struct {
	at     time.Time
	tokens int
}

// Limiter 滑动窗口限流器，所有状态由 mu 串行化
type Limiter struct {
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	observer Observer

	mu         sync.Mutex
	records    []*record
	lastByCall map[string]time.Time
	changed    chan struct{}
	waiting    int
	admitted   int64
	rejected   int64
	closed     bool
	lastPrune  time.Time
}

// Option 限流器选项
type Option func(*Limiter)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithObserver 设置准入观察者
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// New 创建限流器
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Limiter, error) {
	if cfg.MaxRequestsPerMinute <= 0 {
		return nil, fmt.Errorf("max requests per minute must be positive, got %d", cfg.MaxRequestsPerMinute)
	}
	if cfg.MaxTokensPerRequest <= 0 {
		return nil, fmt.Errorf("max tokens per request must be positive, got %d", cfg.MaxTokensPerRequest)
	}
	if cfg.Cooldown < 0 || cfg.MaxTokensPerMinute < 0 {
		return nil, errors.New("cooldown and max tokens per minute must not be negative")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "rate_limiter")),
		now:        time.Now,
		lastByCall: make(map[string]time.Time),
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config 返回限流配置
func (l *Limiter) Config() Config { return l.cfg }

// Permit 一次已准入的请求
type Permit struct {
	limiter  *Limiter
	rec      *record
	caller   string
	released bool
}

// Caller 返回调用方
func (p *Permit) Caller() string { return p.caller }

// Tokens 返回当前计入窗口的 token 数
func (p *Permit) Tokens() int {
	p.limiter.mu.Lock()
	defer p.limiter.mu.Unlock()
	return p.rec.tokens
}

// Release 用实际用量修正窗口中的 token 记录；actualTokens < 0 时保留估算值。
// 请求时间戳不会被移除，只随窗口过期。多次调用只有第一次生效。
func (p *Permit) Release(actualTokens int) {
	if p == nil {
		return
	}
	l := p.limiter
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	if actualTokens >= 0 && actualTokens != p.rec.tokens {
		p.rec.tokens = actualTokens
		l.notifyLocked()
	}
}

// TryAcquire 非阻塞准入；无法立即准入时返回 RATE_EXCEEDED（携带 RetryAfter）
func (l *Limiter) TryAcquire(caller string, tokenEstimate int) (*Permit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, wait, err := l.admitLocked(caller, tokenEstimate)
	if err != nil || p != nil {
		if p != nil {
			l.observeAdmission(caller, 0)
		}
		return p, err
	}
	l.rejected++
	l.observeRejection(caller, "rate_exceeded")
	return nil, types.NewRateExceededError(
		fmt.Sprintf("rate limit exceeded for caller %q", caller), wait)
}

// Acquire 阻塞准入，直到可准入、ctx 结束或限流器关闭
func (l *Limiter) Acquire(ctx context.Context, caller string, tokenEstimate int) (*Permit, error) {
	start := l.now()
	for {
		l.mu.Lock()
		p, wait, err := l.admitLocked(caller, tokenEstimate)
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		if p != nil {
			l.mu.Unlock()
			l.observeAdmission(caller, l.now().Sub(start))
			return p, nil
		}
		changed := l.changed
		l.waiting++
		l.mu.Unlock()

		l.logger.Debug("waiting for rate permit",
			zap.String("caller", caller),
			zap.Duration("retry_after", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.leaveWait()
			l.observeRejection(caller, "context_done")
			return nil, ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
		l.leaveWait()
	}
}

func (l *Limiter) leaveWait() {
	l.mu.Lock()
	l.waiting--
	l.mu.Unlock()
}

// admitLocked 判定并记录。返回 permit 表示已准入；否则返回需要等待的时长。
func (l *Limiter) admitLocked(caller string, tokens int) (*Permit, time.Duration, error) {
	if l.closed {
		return nil, 0, ErrLimiterClosed
	}
	if tokens < 0 {
		return nil, 0, types.NewValidationError("token estimate must not be negative")
	}
	if tokens > l.cfg.MaxTokensPerRequest {
		l.rejected++
		l.observeRejection(caller, "tokens_per_request")
		return nil, 0, types.Errorf(types.ErrValidation,
			"token estimate %d exceeds max tokens per request %d", tokens, l.cfg.MaxTokensPerRequest)
	}
	if l.cfg.MaxTokensPerMinute > 0 && tokens > l.cfg.MaxTokensPerMinute {
		l.rejected++
		l.observeRejection(caller, "tokens_per_minute")
		return nil, 0, types.Errorf(types.ErrValidation,
			"token estimate %d exceeds max tokens per minute %d", tokens, l.cfg.MaxTokensPerMinute)
	}

	now := l.now()
	l.pruneLocked(now)

	var wait time.Duration

	if last, ok := l.lastByCall[caller]; ok && l.cfg.Cooldown > 0 {
		if next := last.Add(l.cfg.Cooldown); now.Before(next) {
			wait = maxDuration(wait, next.Sub(now))
		}
	}

	if len(l.records) >= l.cfg.MaxRequestsPerMinute {
		// 需要等到足够多的最早记录滑出窗口
		idx := len(l.records) - l.cfg.MaxRequestsPerMinute
		wait = maxDuration(wait, l.records[idx].at.Add(l.cfg.Window).Sub(now))
	}

	if l.cfg.MaxTokensPerMinute > 0 {
		used := l.windowTokensLocked()
		if over := used + tokens - l.cfg.MaxTokensPerMinute; over > 0 {
			freed := 0
			for _, r := range l.records {
				freed += r.tokens
				if freed >= over {
					wait = maxDuration(wait, r.at.Add(l.cfg.Window).Sub(now))
					break
				}
			}
		}
	}

	if wait > 0 {
		return nil, wait, nil
	}

	rec := &record{at: now, tokens: tokens}
	l.records = append(l.records, rec)
	l.lastByCall[caller] = now
	l.admitted++
	return &Permit{limiter: l, rec: rec, caller: caller}, 0, nil
}

// pruneLocked 丢弃滑出窗口的记录，并定期清理不再受冷却约束的调用方
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.records) && !l.records[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		l.records = append(l.records[:0:0], l.records[i:]...)
	}

	if now.Sub(l.lastPrune) < l.cfg.Window {
		return
	}
	l.lastPrune = now
	for caller, last := range l.lastByCall {
		if now.Sub(last) >= l.cfg.Cooldown {
			delete(l.lastByCall, caller)
		}
	}
}

func (l *Limiter) windowTokensLocked() int {
	total := 0
	for _, r := range l.records {
		total += r.tokens
	}
	return total
}

func (l *Limiter) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Stats 返回当前窗口统计
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return Stats{
		WindowRequests: len(l.records),
		WindowTokens:   l.windowTokensLocked(),
		Callers:        len(l.lastByCall),
		Waiting:        l.waiting,
		Admitted:       l.admitted,
		Rejected:       l.rejected,
		MaxRequests:    l.cfg.MaxRequestsPerMinute,
		MaxTokens:      l.cfg.MaxTokensPerRequest,
	}
}

// Close 关闭限流器并唤醒所有等待者
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.notifyLocked()
}

func (l *Limiter) observeAdmission(caller string, wait time.Duration) {
	if l.observer != nil {
		l.observer.ObserveAdmission(caller, wait)
	}
}

func (l *Limiter) observeRejection(caller, reason string) {
	if l.observer != nil {
		l.observer.ObserveRejection(caller, reason)
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
