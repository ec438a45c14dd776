// Package coordinator 是编排核心的对外入口：提交、查询与取消工作流。
//
// Coordinator 组合调度器、知识存储、限流器与幂等性管理器，所有错误以
// *types.Error 返回。
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/autoagent/knowledge"
	"github.com/BaSui01/autoagent/llm/idempotency"
	"github.com/BaSui01/autoagent/llm/ratelimit"
	"github.com/BaSui01/autoagent/scheduler"
	"github.com/BaSui01/autoagent/types"
	"github.com/BaSui01/autoagent/workflow"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const idempotencyPrefix = "workflow-submit:"

// Config 协调器配置
type Config struct {
	// RecordWorkflows 把提交的工作流记录为 workflow 类型的知识节点
	RecordWorkflows bool
	// IdempotencyTTL 提交幂等键的有效期，通常等于运行保留期
	IdempotencyTTL time.Duration
}

// RateStatus 限流与调度的当前状态
type RateStatus struct {
	Limiter   *ratelimit.Stats `json:"limiter,omitempty"`
	Scheduler scheduler.Stats  `json:"scheduler"`
}

// Coordinator 工作流协调器
type Coordinator struct {
	cfg     Config
	sched   *scheduler.Scheduler
	store   knowledge.Store
	limiter *ratelimit.Limiter
	idem    idempotency.Manager
	now     func() time.Time
	logger  *zap.Logger
}

// Option 协调器选项
type Option func(*Coordinator)

// WithStore 设置知识存储
func WithStore(s knowledge.Store) Option { return func(c *Coordinator) { c.store = s } }

// WithLimiter 设置限流器，用于状态查询与关闭
func WithLimiter(l *ratelimit.Limiter) Option { return func(c *Coordinator) { c.limiter = l } }

// WithIdempotency 设置提交幂等性管理器
func WithIdempotency(m idempotency.Manager) Option { return func(c *Coordinator) { c.idem = m } }

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// New 创建协调器
func New(cfg Config, sched *scheduler.Scheduler, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg,
		sched:  sched,
		now:    time.Now,
		logger: logger.With(zap.String("component", "coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit 提交工作流。未指定 ID 时生成一个；同一 ID 重复提交返回
// ALREADY_EXISTS 及已有运行 ID。
func (c *Coordinator) Submit(ctx context.Context, spec *workflow.WorkflowSpec) (string, error) {
	if spec == nil {
		return "", types.NewValidationError("workflow spec is required")
	}
	spec = spec.Clone()
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = c.now().UTC()
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}

	key := idempotencyPrefix + spec.ID
	claimed := false
	if c.idem != nil {
		runID, ok, err := idempotency.ClaimTyped(c.idem, ctx, key, spec.ID, c.cfg.IdempotencyTTL)
		if err != nil {
			return "", types.NewError(types.ErrInternalError, "claim submission key").WithCause(err)
		}
		if !ok {
			if runID == "" {
				runID = spec.ID
			}
			return runID, types.Errorf(types.ErrAlreadyExists, "workflow %s already submitted", runID)
		}
		claimed = true
	}

	// 记录节点须先于调度写入，执行器会把产出节点挂到它下面
	recorded := false
	if c.cfg.RecordWorkflows && c.store != nil {
		recorded = c.recordWorkflow(ctx, spec)
	}

	id, err := c.sched.Submit(spec)
	if err != nil {
		if !types.IsErrorCode(err, types.ErrAlreadyExists) {
			c.rollbackSubmit(ctx, spec.ID, key, claimed, recorded)
		}
		return id, err
	}

	c.logger.Info("workflow submitted",
		zap.String("run_id", id),
		zap.String("name", spec.Name),
		zap.Int("steps", len(spec.Steps)),
	)
	return id, nil
}

// rollbackSubmit 撤销被调度器拒绝的提交留下的幂等键与记录节点
func (c *Coordinator) rollbackSubmit(ctx context.Context, runID, key string, claimed, recorded bool) {
	if claimed {
		if err := c.idem.Delete(ctx, key); err != nil {
			c.logger.Warn("release submission key failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if recorded {
		if err := c.store.DeleteNode(ctx, workflow.WorkflowNodeID(runID)); err != nil {
			c.logger.Warn("remove workflow node failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// recordWorkflow 写入工作流记录节点，失败只记录日志。
// 返回 true 表示节点由本次提交新建。
func (c *Coordinator) recordWorkflow(ctx context.Context, spec *workflow.WorkflowSpec) bool {
	nodeID := workflow.WorkflowNodeID(spec.ID)
	if exists, err := c.store.NodeExists(ctx, nodeID); err == nil && exists {
		return false
	}
	kinds := make([]string, len(spec.Steps))
	for i, s := range spec.Steps {
		kinds[i] = string(s.Kind)
	}
	content := spec.Name
	if content == "" {
		content = spec.ID
	}
	_, err := c.store.CreateNode(ctx, knowledge.NodeInput{
		ID:      nodeID,
		Content: content,
		Type:    knowledge.NodeTypeWorkflow,
		Metadata: map[string]any{
			"workflow_id":  spec.ID,
			"caller":       spec.CallerID(),
			"step_kinds":   kinds,
			"submitted_at": spec.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		c.logger.Warn("record workflow node failed", zap.String("run_id", spec.ID), zap.Error(err))
		return false
	}
	return true
}

// Query 返回运行快照
func (c *Coordinator) Query(_ context.Context, id string) (workflow.Snapshot, error) {
	return c.sched.Query(id)
}

// Cancel 取消运行
func (c *Coordinator) Cancel(_ context.Context, id string) error {
	return c.sched.Cancel(id)
}

// List 列出运行
func (c *Coordinator) List(_ context.Context, filter scheduler.ListFilter) []workflow.Snapshot {
	return c.sched.List(filter)
}

// Active 列出排队、运行与重试中的工作流
func (c *Coordinator) Active(ctx context.Context) []workflow.Snapshot {
	return c.List(ctx, scheduler.ListFilter{States: []workflow.RunState{
		workflow.StateQueued, workflow.StateRunning, workflow.StateRetrying,
	}})
}

// Wait 等待运行结束
func (c *Coordinator) Wait(ctx context.Context, id string) (workflow.Snapshot, error) {
	return c.sched.Wait(ctx, id)
}

// RateStatus 返回限流与调度统计
func (c *Coordinator) RateStatus() RateStatus {
	st := RateStatus{Scheduler: c.sched.Stats()}
	if c.limiter != nil {
		ls := c.limiter.Stats()
		st.Limiter = &ls
	}
	return st
}

// Knowledge 按类型列出知识节点
func (c *Coordinator) Knowledge(ctx context.Context, filter knowledge.NodeFilter) ([]*knowledge.Node, error) {
	if err := c.requireStore(); err != nil {
		return nil, err
	}
	return c.store.ListNodes(ctx, filter)
}

// Node 读取单个知识节点
func (c *Coordinator) Node(ctx context.Context, id string) (*knowledge.Node, error) {
	if err := c.requireStore(); err != nil {
		return nil, err
	}
	return c.store.GetNode(ctx, id)
}

// Related 返回 depth 跳内的相关节点
func (c *Coordinator) Related(ctx context.Context, id string, depth int) ([]*knowledge.Node, error) {
	if err := c.requireStore(); err != nil {
		return nil, err
	}
	return c.store.GetRelated(ctx, id, depth)
}

func (c *Coordinator) requireStore() error {
	if c.store == nil {
		return types.NewError(types.ErrInternalError, "knowledge store is not configured")
	}
	return nil
}

// Shutdown 依次关闭调度器、限流器与知识存储
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var errs []error
	if err := c.sched.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if c.limiter != nil {
		c.limiter.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("knowledge store: %w", err))
		}
	}
	c.logger.Info("coordinator stopped")
	return errors.Join(errs...)
}
