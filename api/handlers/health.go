package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/autoagent/scheduler"
)

// =============================================================================
// 🏥 存活与就绪探针
// =============================================================================

// 探针状态
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	checkPass       = "pass"
	checkFail       = "fail"
)

const defaultCheckTimeout = 5 * time.Second

// HealthCheck 就绪检查项
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 探针响应
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler 托管 /health 与 /ready；就绪检查并发执行，整体受超时约束
type HealthHandler struct {
	logger  *zap.Logger
	timeout time.Duration
	started time.Time

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler 创建探针处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		timeout: defaultCheckTimeout,
		started: time.Now(),
	}
}

// RegisterCheck 注册就绪检查；同名检查后注册者覆盖先注册者
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.checks {
		if c.Name() == check.Name() {
			h.checks[i] = check
			return
		}
	}
	h.checks = append(h.checks, check)
}

// HandleHealth 存活探针，只要进程能响应即为 healthy
// @Summary 存活探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	})
}

// HandleReady 就绪探针，任一检查失败返回 503
// @Summary 就绪探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Failure 503 {object} HealthStatus
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := h.runChecks(r.Context())
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) runChecks(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := check.Check(ctx)
			res := CheckResult{Status: checkPass, Latency: time.Since(start).String()}
			if err != nil {
				res.Status = checkFail
				res.Message = err.Error()
				h.logger.Warn("readiness check failed", zap.String("check", check.Name()), zap.Error(err))
			}
			results[i] = res
		}()
	}
	wg.Wait()

	status := HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	if len(checks) > 0 {
		status.Checks = make(map[string]CheckResult, len(checks))
	}
	for i, check := range checks {
		status.Checks[check.Name()] = results[i]
		if results[i].Status != checkPass {
			status.Status = StatusUnhealthy
		}
	}
	return status
}

// HandleVersion 返回构建信息
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, r, info)
	}
}

// =============================================================================
// 🔧 检查项
// =============================================================================

// PingCheck 以 ping 函数表示的外部依赖（数据库、Redis、MongoDB）
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建依赖检查
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string { return c.name }

func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }

// ErrSchedulerClosed 调度器已停止接收提交
var ErrSchedulerClosed = errors.New("scheduler is not accepting workflows")

// SchedulerCheck 调度器关闭后判为未就绪；maxQueued > 0 时积压超限也判为未就绪
type SchedulerCheck struct {
	stats     func() scheduler.Stats
	maxQueued int
}

// NewSchedulerCheck 创建调度器检查
func NewSchedulerCheck(stats func() scheduler.Stats, maxQueued int) *SchedulerCheck {
	return &SchedulerCheck{stats: stats, maxQueued: maxQueued}
}

func (c *SchedulerCheck) Name() string { return "scheduler" }

func (c *SchedulerCheck) Check(context.Context) error {
	st := c.stats()
	if st.Closed {
		return ErrSchedulerClosed
	}
	if c.maxQueued > 0 && st.Queued > c.maxQueued {
		return fmt.Errorf("queue backlog %d exceeds %d", st.Queued, c.maxQueued)
	}
	return nil
}
