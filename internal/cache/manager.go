// Package cache manages the shared Redis connection.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/autoagent/config"
	"github.com/BaSui01/autoagent/internal/tlsutil"
	"github.com/BaSui01/autoagent/llm/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("redis manager is closed")

// =============================================================================
// 💾 Redis 连接管理器
// =============================================================================

// Manager 持有知识存储与幂等键共用的 Redis 客户端
type Manager struct {
	client redis.UniversalClient
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Options 连接选项
type Options struct {
	// 健康检查间隔，0 表示不检查
	HealthCheckInterval time.Duration
	// 建立连接时单次 Ping 的超时
	DialTimeout time.Duration
	// 建立连接时最多 Ping 的次数
	ConnectAttempts int
}

// DefaultOptions 默认连接选项
func DefaultOptions() Options {
	return Options{
		HealthCheckInterval: 30 * time.Second,
		DialTimeout:         5 * time.Second,
		ConnectAttempts:     3,
	}
}

// NewManager 按配置建立连接并确认可达
func NewManager(cfg config.RedisConfig, opts Options, logger *zap.Logger) (*Manager, error) {
	ro := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		ro.TLSConfig = tlsutil.ClientTLSConfig()
	}
	return NewManagerWithClient(redis.NewClient(ro), opts, logger)
}

// NewManagerWithClient 使用已有客户端
func NewManagerWithClient(client redis.UniversalClient, opts Options, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}

	// 启动时 Redis 可能尚未就绪，任何 Ping 失败都按可重试处理
	connector := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxAttempts:    opts.ConnectAttempts,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		AttemptTimeout: opts.DialTimeout,
		Classify:       func(err error) bool { return !errors.Is(err, context.Canceled) },
	}, logger)
	err := connector.Do(context.Background(), func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		client: client,
		logger: logger.With(zap.String("component", "redis")),
		stop:   make(chan struct{}),
	}
	if opts.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop(opts.HealthCheckInterval)
	}
	m.logger.Info("redis connected")
	return m, nil
}

// Client 返回底层客户端
func (m *Manager) Client() redis.UniversalClient {
	return m.client
}

// Ping 检查连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Close 停止健康检查并关闭连接
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("closing redis connection")
	return m.client.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (m *Manager) healthCheckLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Ping(ctx); err != nil && !errors.Is(err, ErrClosed) {
				m.logger.Error("redis health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}
