package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/autoagent/content"
	"github.com/BaSui01/autoagent/internal/ctxkeys"
	"github.com/BaSui01/autoagent/knowledge"
	"github.com/BaSui01/autoagent/llm"
	"github.com/BaSui01/autoagent/llm/ratelimit"
	"github.com/BaSui01/autoagent/llm/retry"
	"github.com/BaSui01/autoagent/llm/tokenizer"
	"github.com/BaSui01/autoagent/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Limiter 模型调用的准入
type Limiter interface {
	Acquire(ctx context.Context, caller string, tokenEstimate int) (*ratelimit.Permit, error)
	TryAcquire(caller string, tokenEstimate int) (*ratelimit.Permit, error)
}

// ContentExtractor 内容抽取
type ContentExtractor interface {
	Extract(ctx context.Context, src content.Source) (*content.Document, error)
}

// Observer 执行指标
type Observer interface {
	ObserveStep(kind, outcome string, attempts int, d time.Duration)
	ObserveRun(state string, d time.Duration)
	ObserveKnowledgeWrite(kind string)
}

// Config 执行器配置
type Config struct {
	WorkflowTimeout time.Duration
	StepTimeout     time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	Jitter          bool
	// BlockingRateLimit 为 false 时限流拒绝计为一次可重试失败
	BlockingRateLimit bool

	Model       string
	MaxTokens   int
	Temperature float32

	// LinkProduced 把图写入的节点挂到工作流记录节点下
	LinkProduced bool
}

// DefaultConfig 默认执行器配置
func DefaultConfig() Config {
	return Config{
		WorkflowTimeout:   time.Hour,
		StepTimeout:       5 * time.Minute,
		RetryAttempts:     3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		Jitter:            true,
		BlockingRateLimit: true,
		MaxTokens:         2048,
		Temperature:       0.7,
		LinkProduced:      true,
	}
}

// Executor 顺序执行单个工作流
type Executor struct {
	cfg       Config
	provider  llm.Provider
	limiter   Limiter
	store     knowledge.Store
	extractor ContentExtractor
	tokenizer tokenizer.Tokenizer
	observer  Observer
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option 执行器选项
type Option func(*Executor)

func WithProvider(p llm.Provider) Option         { return func(e *Executor) { e.provider = p } }
func WithLimiter(l Limiter) Option               { return func(e *Executor) { e.limiter = l } }
func WithStore(s knowledge.Store) Option         { return func(e *Executor) { e.store = s } }
func WithExtractor(x ContentExtractor) Option    { return func(e *Executor) { e.extractor = x } }
func WithTokenizer(t tokenizer.Tokenizer) Option { return func(e *Executor) { e.tokenizer = t } }
func WithObserver(o Observer) Option             { return func(e *Executor) { e.observer = o } }
func WithTracer(t trace.Tracer) Option           { return func(e *Executor) { e.tracer = t } }

// NewExecutor 创建执行器
func NewExecutor(cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	e := &Executor{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "workflow_executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tokenizer == nil {
		e.tokenizer = tokenizer.ForModel(cfg.Model)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/BaSui01/autoagent/workflow")
	}
	return e
}

// Execute 驱动 run 到终态并返回该终态。
// run 通常已由调度器置为 RUNNING；仍为 QUEUED 时在此迁移。
func (e *Executor) Execute(ctx context.Context, run *WorkflowRun) RunState {
	if st := run.State(); st.IsTerminal() {
		return st
	}
	if run.State() == StateQueued {
		if err := run.Transition(StateRunning); err != nil {
			return run.State()
		}
	}
	spec := run.spec
	ctx = ctxkeys.WithRunID(ctx, spec.ID)
	logger := e.logger.With(zap.String("run_id", spec.ID), zap.String("workflow", spec.Name))
	started := time.Now()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.WorkflowTimeout
	}
	wfCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		wfCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	wfCtx, span := e.tracer.Start(wfCtx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", spec.ID),
		attribute.String("workflow.name", spec.Name),
		attribute.Int("workflow.steps", len(spec.Steps)),
	))
	defer span.End()

	logger.Info("workflow started", zap.Int("steps", len(spec.Steps)), zap.Duration("timeout", timeout))

	state := e.runSteps(ctx, wfCtx, run, timeout, logger)

	span.SetAttributes(attribute.String("workflow.state", string(state)))
	if state != StateCompleted {
		span.SetStatus(codes.Error, string(state))
	}
	if e.observer != nil {
		e.observer.ObserveRun(string(state), time.Since(started))
	}
	logger.Info("workflow finished", zap.String("state", string(state)), zap.Duration("duration", time.Since(started)))
	return state
}

func (e *Executor) runSteps(parent, wfCtx context.Context, run *WorkflowRun, timeout time.Duration, logger *zap.Logger) RunState {
	spec := run.spec
	for i, step := range spec.Steps {
		if err := wfCtx.Err(); err != nil {
			return e.finish(parent, wfCtx, run, i, step, err, timeout)
		}
		if err := checkDependencies(run, i, step); err != nil {
			return e.finish(parent, wfCtx, run, i, step, err, timeout)
		}

		res, err := e.runStep(wfCtx, run, i, step, logger)
		if err != nil {
			return e.finish(parent, wfCtx, run, i, step, err, timeout)
		}
		if !run.appendResult(res) {
			// 已被并发置为终态，结果丢弃
			return run.State()
		}
	}
	if err := run.Finish(StateCompleted, nil); err != nil {
		return run.State()
	}
	return StateCompleted
}

func checkDependencies(run *WorkflowRun, index int, step Step) error {
	for _, dep := range step.DependsOn {
		if _, ok := run.result(dep); !ok {
			return types.Errorf(types.ErrValidation, "step %d depends on step %d which has no result", index, dep)
		}
	}
	return nil
}

// finish 按失败来源决定终态：外部取消 > 工作流超时 > 步骤超时耗尽重试 > 重试耗尽 > 其他错误
func (e *Executor) finish(parent, wfCtx context.Context, run *WorkflowRun, index int, step Step, err error, timeout time.Duration) RunState {
	reason := &FailureReason{Step: index, StepName: step.DisplayName(index)}
	state := StateFailed

	switch {
	case parent.Err() != nil:
		state = StateCancelled
		reason.Code = types.ErrCancelled
		reason.Message = "workflow cancelled"
		if cause := context.Cause(parent); cause != nil {
			if te, ok := types.AsError(cause); ok {
				reason.Code = te.Code
				reason.Message = te.Message
			}
		}
	case errors.Is(wfCtx.Err(), context.DeadlineExceeded):
		state = StateTimedOut
		reason.Code = types.ErrTimeout
		reason.Message = fmt.Sprintf("workflow exceeded timeout of %s", timeout)
	case isStepTimeout(err):
		state = StateTimedOut
		reason.Code = types.ErrTimeout
		reason.Message = err.Error()
	default:
		if ex, ok := retry.AsExhausted(err); ok {
			reason.Code = types.ErrExhausted
			reason.Message = ex.Error()
		} else {
			reason.Code = types.GetErrorCode(err)
			if reason.Code == "" {
				reason.Code = types.ErrInternalError
			}
			reason.Message = err.Error()
		}
	}

	if ferr := run.Finish(state, reason); ferr != nil {
		return run.State()
	}
	e.logger.Warn("workflow step failed",
		zap.String("run_id", run.ID()),
		zap.Int("step", index),
		zap.String("state", string(state)),
		zap.String("code", string(reason.Code)),
		zap.Error(err))
	return state
}

// isStepTimeout 步骤的最后一次尝试因单次超时失败
func isStepTimeout(err error) bool {
	if ex, ok := retry.AsExhausted(err); ok {
		err = ex.Last
	}
	return types.GetErrorCode(err) == types.ErrTimeout
}

func (e *Executor) runStep(ctx context.Context, run *WorkflowRun, index int, step Step, logger *zap.Logger) (StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.id", run.ID()),
		attribute.Int("step.index", index),
		attribute.String("step.kind", string(step.Kind)),
	))
	defer span.End()

	logger = logger.With(zap.Int("step", index), zap.String("kind", string(step.Kind)))
	started := time.Now()

	call, err := e.prepare(run, index, step)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.observeStep(step, "failure", 0, started)
		return StepResult{}, err
	}

	attempts := 0
	policy := &retry.RetryPolicy{
		MaxAttempts:    e.maxAttempts(run.spec),
		InitialDelay:   e.cfg.RetryBaseDelay,
		MaxDelay:       e.cfg.RetryMaxDelay,
		Multiplier:     2.0,
		Jitter:         e.cfg.Jitter,
		AttemptTimeout: e.stepTimeout(step),
		Gate: func(ctx context.Context, attempt int) (func(any, error), error) {
			attempts = attempt
			run.setAttempts(index, attempt)
			if run.State() == StateRetrying {
				_ = run.Transition(StateRunning)
			}
			return e.acquire(ctx, run, call)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			_ = run.Transition(StateRetrying)
			logger.Warn("step attempt failed, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}

	output, err := retry.RunTyped(retry.NewBackoffRetryer(policy, logger), ctx, call.work)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.observeStep(step, "failure", attempts, started)
		return StepResult{}, err
	}
	e.observeStep(step, "success", attempts, started)

	res := StepResult{
		Index:       index,
		Name:        step.DisplayName(index),
		Kind:        step.Kind,
		Output:      output,
		Attempts:    attempts,
		Duration:    time.Since(started),
		CompletedAt: time.Now(),
	}
	if id, ok := output["node_id"].(string); ok {
		res.NodeID = id
	}
	logger.Debug("step completed", zap.Int("attempts", attempts), zap.Duration("duration", res.Duration))
	return res, nil
}

// acquire 模型调用在每次尝试前申请准入，尝试结束后按实际用量修正
func (e *Executor) acquire(ctx context.Context, run *WorkflowRun, call *stepCall) (func(any, error), error) {
	if call.tokens <= 0 || e.limiter == nil {
		return nil, nil
	}
	caller := run.spec.CallerID()

	var (
		permit *ratelimit.Permit
		err    error
	)
	if e.cfg.BlockingRateLimit {
		permit, err = e.limiter.Acquire(ctx, caller, call.tokens)
	} else {
		permit, err = e.limiter.TryAcquire(caller, call.tokens)
	}
	if err != nil {
		return nil, err
	}
	return func(result any, err error) {
		if err != nil {
			permit.Release(-1)
			return
		}
		actual := -1
		if out, ok := result.(map[string]any); ok {
			if n, ok := out["total_tokens"].(int); ok && n > 0 {
				actual = n
			}
		}
		permit.Release(actual)
	}, nil
}

func (e *Executor) maxAttempts(spec *WorkflowSpec) int {
	if spec.MaxRetries > 0 {
		return spec.MaxRetries
	}
	return e.cfg.RetryAttempts
}

func (e *Executor) stepTimeout(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return e.cfg.StepTimeout
}

func (e *Executor) observeStep(step Step, outcome string, attempts int, started time.Time) {
	if e.observer != nil {
		e.observer.ObserveStep(string(step.Kind), outcome, attempts, time.Since(started))
	}
}
