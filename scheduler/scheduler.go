// Package scheduler 负责工作流的准入、排队与并发上限。
//
// 提交的工作流进入 FIFO 队列；运行中的数量低于上限时，队首在持锁状态下被置为
// RUNNING 并交给固定大小的 worker 池执行。终态运行在保留期后被清理。
package scheduler

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/autoagent/internal/pool"
	"github.com/BaSui01/autoagent/types"
	"github.com/BaSui01/autoagent/workflow"
	"go.uber.org/zap"
)

// Runner 执行单个运行直到终态
type Runner interface {
	Execute(ctx context.Context, run *workflow.WorkflowRun) workflow.RunState
}

// Observer 调度指标
type Observer interface {
	SetQueueDepth(n int)
	SetRunning(n int)
	ObserveSubmission(outcome string)
}

// Config 调度配置
type Config struct {
	MaxConcurrent int
	// QueueCapacity 排队上限，0 表示不限制
	QueueCapacity int
	// Retention 终态运行的保留时长，0 表示永久保留
	Retention       time.Duration
	JanitorInterval time.Duration
}

// DefaultConfig 默认调度配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   5,
		Retention:       time.Hour,
		JanitorInterval: time.Minute,
	}
}

// ListFilter 列表过滤条件
type ListFilter struct {
	States []workflow.RunState
	Limit  int
}

// Stats 调度统计
type Stats struct {
	Queued        int        `json:"queued"`
	Running       int        `json:"running"`
	Tracked       int        `json:"tracked"`
	MaxConcurrent int        `json:"max_concurrent"`
	Submitted     int64      `json:"submitted"`
	Archived      int64      `json:"archived"`
	Pool          pool.Stats `json:"pool"`
	// Closed 调度器已关闭，不再接收提交
	Closed bool `json:"closed"`
}

type entry struct {
	run    *workflow.WorkflowRun
	elem   *list.Element
	cancel context.CancelCauseFunc
}

// Scheduler 工作流调度器
type Scheduler struct {
	cfg      Config
	runner   Runner
	pool     *pool.WorkerPool
	observer Observer
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	runs      map[string]*entry
	queue     *list.List
	running   int
	closed    bool
	submitted int64
	archived  int64

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	stop       chan struct{}
	janitor    sync.WaitGroup
}

// Option 调度器选项
type Option func(*Scheduler)

// WithObserver 设置指标观察者
func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New 创建调度器并启动清理协程
func New(cfg Config, runner Runner, logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))

	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		runner: runner,
		now:    time.Now,
		logger: logger,
		runs:   make(map[string]*entry),
		queue:  list.New(),
		pool: pool.New(pool.Config{
			Workers: cfg.MaxConcurrent,
			PanicHandler: func(r any) {
				logger.Error("workflow worker panicked", zap.Any("panic", r))
			},
		}),
		baseCtx:    ctx,
		baseCancel: cancel,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Retention > 0 {
		s.janitor.Add(1)
		go s.janitorLoop()
	}
	return s
}

// Submit 提交工作流，返回运行 ID
func (s *Scheduler) Submit(spec *workflow.WorkflowSpec) (string, error) {
	if spec == nil {
		return "", types.NewValidationError("workflow spec is required")
	}
	if err := spec.Validate(); err != nil {
		s.observeSubmission("invalid")
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.observeSubmission("rejected")
		return "", types.NewError(types.ErrShuttingDown, "scheduler is shutting down")
	}
	if _, exists := s.runs[spec.ID]; exists {
		s.observeSubmission("duplicate")
		return spec.ID, types.Errorf(types.ErrAlreadyExists, "workflow %s already submitted", spec.ID)
	}
	if s.cfg.QueueCapacity > 0 && s.running >= s.cfg.MaxConcurrent && s.queue.Len() >= s.cfg.QueueCapacity {
		s.observeSubmission("rejected")
		return "", types.Errorf(types.ErrQueueFull, "admission queue is full (%d)", s.cfg.QueueCapacity)
	}

	e := &entry{run: workflow.NewRun(spec, s.now)}
	e.elem = s.queue.PushBack(e)
	s.runs[spec.ID] = e
	s.submitted++
	s.observeSubmission("accepted")

	s.logger.Info("workflow queued", zap.String("run_id", spec.ID), zap.Int("queue_depth", s.queue.Len()))
	s.dispatchLocked()
	return spec.ID, nil
}

// dispatchLocked 按 FIFO 派发，直到达到并发上限
func (s *Scheduler) dispatchLocked() {
	for s.running < s.cfg.MaxConcurrent && s.queue.Len() > 0 && !s.closed {
		front := s.queue.Front()
		e := s.queue.Remove(front).(*entry)
		e.elem = nil

		if err := e.run.Transition(workflow.StateRunning); err != nil {
			s.logger.Warn("skip dispatch", zap.String("run_id", e.run.ID()), zap.Error(err))
			continue
		}
		ctx, cancel := context.WithCancelCause(s.baseCtx)
		e.cancel = cancel
		s.running++

		if err := s.pool.Submit(ctx, func(ctx context.Context) error {
			s.execute(ctx, e)
			return nil
		}); err != nil {
			s.running--
			cancel(nil)
			_ = e.run.Finish(workflow.StateFailed, &workflow.FailureReason{
				Code:    types.ErrInternalError,
				Message: "dispatch failed: " + err.Error(),
				Step:    -1,
			})
			s.logger.Error("dispatch failed", zap.String("run_id", e.run.ID()), zap.Error(err))
		}
	}
	s.observeGaugesLocked()
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	state := s.runner.Execute(ctx, e.run)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	e.cancel(nil)
	s.logger.Debug("workflow slot released", zap.String("run_id", e.run.ID()), zap.String("state", string(state)))
	s.dispatchLocked()
}

// Cancel 取消运行：排队中的立即置为 CANCELLED；运行中的发出协作式取消
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok {
		return types.Errorf(types.ErrNotFound, "workflow %s not found", id)
	}

	switch st := e.run.State(); {
	case st == workflow.StateQueued:
		s.queue.Remove(e.elem)
		e.elem = nil
		if err := e.run.Finish(workflow.StateCancelled, &workflow.FailureReason{
			Code:    types.ErrCancelled,
			Message: "cancelled before start",
			Step:    -1,
		}); err != nil {
			return err
		}
		s.observeGaugesLocked()
		s.logger.Info("queued workflow cancelled", zap.String("run_id", id))
		return nil
	case st.IsTerminal():
		return types.Errorf(types.ErrInvalidTransition, "workflow %s already %s", id, st)
	default:
		e.cancel(types.NewCancelledError("cancelled by request"))
		s.logger.Info("cancellation requested", zap.String("run_id", id))
		return nil
	}
}

// Query 返回运行快照，不等待执行
func (s *Scheduler) Query(id string) (workflow.Snapshot, error) {
	s.mu.Lock()
	e, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return workflow.Snapshot{}, types.Errorf(types.ErrNotFound, "workflow %s not found", id)
	}
	return e.run.Snapshot(), nil
}

// Wait 等待运行进入终态
func (s *Scheduler) Wait(ctx context.Context, id string) (workflow.Snapshot, error) {
	s.mu.Lock()
	e, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return workflow.Snapshot{}, types.Errorf(types.ErrNotFound, "workflow %s not found", id)
	}
	select {
	case <-e.run.Done():
		return e.run.Snapshot(), nil
	case <-ctx.Done():
		return e.run.Snapshot(), ctx.Err()
	}
}

// List 按提交时间排序返回快照
func (s *Scheduler) List(filter ListFilter) []workflow.Snapshot {
	s.mu.Lock()
	runs := make([]*workflow.WorkflowRun, 0, len(s.runs))
	for _, e := range s.runs {
		runs = append(runs, e.run)
	}
	s.mu.Unlock()

	want := make(map[workflow.RunState]bool, len(filter.States))
	for _, st := range filter.States {
		want[st] = true
	}
	out := make([]workflow.Snapshot, 0, len(runs))
	for _, r := range runs {
		snap := r.Snapshot()
		if len(want) > 0 && !want[snap.State] {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Stats 返回调度统计
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:        s.queue.Len(),
		Running:       s.running,
		Tracked:       len(s.runs),
		MaxConcurrent: s.cfg.MaxConcurrent,
		Submitted:     s.submitted,
		Archived:      s.archived,
		Pool:          s.pool.Stats(),
		Closed:        s.closed,
	}
}

func (s *Scheduler) janitorLoop() {
	defer s.janitor.Done()
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Archive()
		}
	}
}

// Archive 清理超过保留期的终态运行，返回清理数量
func (s *Scheduler) Archive() int {
	if s.cfg.Retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.runs {
		if !e.run.State().IsTerminal() {
			continue
		}
		if ended := e.run.EndedAt(); !ended.IsZero() && ended.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	s.archived += int64(n)
	if n > 0 {
		s.logger.Debug("archived terminal workflows", zap.Int("count", n))
	}
	return n
}

// Shutdown 停止接收提交，取消排队中的运行并等待运行中的结束。
// ctx 结束时向运行中的工作流发出取消。
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for el := s.queue.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		e.elem = nil
		_ = e.run.Finish(workflow.StateCancelled, &workflow.FailureReason{
			Code:    types.ErrShuttingDown,
			Message: "scheduler shut down before start",
			Step:    -1,
		})
	}
	s.queue.Init()
	s.observeGaugesLocked()
	s.mu.Unlock()

	close(s.stop)
	s.janitor.Wait()

	drained := make(chan struct{})
	go func() {
		s.pool.Close()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.baseCancel(types.NewError(types.ErrShuttingDown, "scheduler shut down"))
		<-drained
	}
	s.baseCancel(nil)
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) observeSubmission(outcome string) {
	if s.observer != nil {
		s.observer.ObserveSubmission(outcome)
	}
}

func (s *Scheduler) observeGaugesLocked() {
	if s.observer != nil {
		s.observer.SetQueueDepth(s.queue.Len())
		s.observer.SetRunning(s.running)
	}
}
