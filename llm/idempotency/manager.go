// Package idempotency 提供基于键的“只执行一次”保证。
// Coordinator 用它保证同一个工作流 ID 只产生一个运行实例。
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL 未指定 TTL 时的保留时长
const DefaultTTL = time.Hour

// Manager 幂等性管理器接口
type Manager interface {
	// Claim 原子地占用 key。已被占用时返回已有的值且 claimed=false。
	Claim(ctx context.Context, key string, value any, ttl time.Duration) (existing json.RawMessage, claimed bool, err error)

	// Get 获取 key 对应的值
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Delete 释放 key
	Delete(ctx context.Context, key string) error
}

// =============================================================================
// Redis 实现
// =============================================================================

type redisManager struct {
	redis  redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisManager 创建基于 Redis 的幂等性管理器
func NewRedisManager(client redis.UniversalClient, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{
		redis:  client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

// Claim 使用 SET NX 占用 key
func (m *redisManager) Claim(ctx context.Context, key string, value any, ttl time.Duration) (json.RawMessage, bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("序列化结果失败: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	redisKey := m.prefix + key
	ok, err := m.redis.SetNX(ctx, redisKey, data, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("占用幂等键失败: %w", err)
	}
	if ok {
		m.logger.Debug("幂等键已占用", zap.String("key", key), zap.Duration("ttl", ttl))
		return nil, true, nil
	}

	existing, found, err := m.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// 在 SETNX 与 GET 之间过期，重新占用
		return m.Claim(ctx, key, value, ttl)
	}
	return existing, false, nil
}

func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := m.redis.Get(ctx, m.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("从 Redis 获取失败: %w", err)
	}
	return data, true, nil
}

func (m *redisManager) Delete(ctx context.Context, key string) error {
	if err := m.redis.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("从 Redis 删除失败: %w", err)
	}
	return nil
}

// =============================================================================
// 内存实现
// =============================================================================

type memoryManager struct {
	cache           map[string]*cacheEntry
	mu              sync.Mutex
	logger          *zap.Logger
	now             func() time.Time
	stopCh          chan struct{}
	stopOnce        sync.Once
	cleanupInterval time.Duration
}

type cacheEntry struct {
	Data      json.RawMessage
	ExpiresAt time.Time
}

// NewMemoryManager 创建基于内存的幂等性管理器
func NewMemoryManager(logger *zap.Logger) *MemoryManager {
	return NewMemoryManagerWithCleanup(logger, 5*time.Minute)
}

// MemoryManager 内存幂等性管理器，需要 Close 停止后台清理
type MemoryManager struct {
	*memoryManager
}

// NewMemoryManagerWithCleanup 创建带自定义清理间隔的内存管理器
func NewMemoryManagerWithCleanup(logger *zap.Logger, cleanupInterval time.Duration) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &memoryManager{
		cache:           make(map[string]*cacheEntry),
		logger:          logger.With(zap.String("component", "idempotency")),
		now:             time.Now,
		stopCh:          make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	go m.cleanupLoop()
	return &MemoryManager{m}
}

func (m *memoryManager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *memoryManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := 0
	for key, entry := range m.cache {
		if now.After(entry.ExpiresAt) {
			delete(m.cache, key)
			expired++
		}
	}
	if expired > 0 {
		m.logger.Debug("cleaned up expired idempotency entries",
			zap.Int("expired", expired),
			zap.Int("remaining", len(m.cache)))
	}
}

// Close 停止清理 goroutine
func (m *memoryManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *memoryManager) Claim(ctx context.Context, key string, value any, ttl time.Duration) (json.RawMessage, bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("序列化结果失败: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.cache[key]; ok && !now.After(entry.ExpiresAt) {
		return entry.Data, false, nil
	}
	m.cache[key] = &cacheEntry{Data: data, ExpiresAt: now.Add(ttl)}
	return nil, true, nil
}

func (m *memoryManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(entry.ExpiresAt) {
		delete(m.cache, key)
		return nil, false, nil
	}
	return entry.Data, true, nil
}

func (m *memoryManager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}
