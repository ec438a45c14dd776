package workflow

import (
	"sync"
	"time"

	"github.com/BaSui01/autoagent/types"
)

// RunState 运行状态
type RunState string

const (
	StateQueued    RunState = "QUEUED"
	StateRunning   RunState = "RUNNING"
	StateRetrying  RunState = "RETRYING"
	StateCompleted RunState = "COMPLETED"
	StateFailed    RunState = "FAILED"
	StateCancelled RunState = "CANCELLED"
	StateTimedOut  RunState = "TIMED_OUT"
)

// IsTerminal 是否为终态
func (s RunState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

var transitions = map[RunState][]RunState{
	StateQueued:   {StateRunning, StateCancelled},
	StateRunning:  {StateRetrying, StateCompleted, StateFailed, StateCancelled, StateTimedOut},
	StateRetrying: {StateRunning, StateFailed, StateCancelled, StateTimedOut},
}

// CanTransition 是否允许 from → to
func CanTransition(from, to RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StepResult 单步结果
type StepResult struct {
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	Kind        StepKind       `json:"kind"`
	Output      map[string]any `json:"output,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	Attempts    int            `json:"attempts"`
	Duration    time.Duration  `json:"duration"`
	CompletedAt time.Time      `json:"completed_at"`
}

// FailureReason 非 COMPLETED 终态的原因；Step 为 -1 表示与具体步骤无关
type FailureReason struct {
	Code     types.ErrorCode `json:"code"`
	Message  string          `json:"message"`
	Step     int             `json:"step"`
	StepName string          `json:"step_name,omitempty"`
}

// WorkflowRun 一次提交对应的运行实例。
// 生命周期由 Scheduler 持有，状态只由其执行器修改。
type WorkflowRun struct {
	mu       sync.RWMutex
	spec     *WorkflowSpec
	state    RunState
	results  []StepResult
	attempts []int
	reason   *FailureReason

	queuedAt  time.Time
	startedAt time.Time
	endedAt   time.Time

	done chan struct{}
	now  func() time.Time
}

// NewRun 以 spec 的深拷贝创建 QUEUED 状态的运行
func NewRun(spec *WorkflowSpec, now func() time.Time) *WorkflowRun {
	if now == nil {
		now = time.Now
	}
	c := spec.Clone()
	return &WorkflowRun{
		spec:     c,
		state:    StateQueued,
		attempts: make([]int, len(c.Steps)),
		queuedAt: now(),
		done:     make(chan struct{}),
		now:      now,
	}
}

func (r *WorkflowRun) ID() string { return r.spec.ID }

// Spec 返回描述的副本
func (r *WorkflowRun) Spec() *WorkflowSpec { return r.spec.Clone() }

func (r *WorkflowRun) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Done 在进入终态时关闭
func (r *WorkflowRun) Done() <-chan struct{} { return r.done }

// EndedAt 终态时间；未结束时为零值
func (r *WorkflowRun) EndedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endedAt
}

// Transition 迁移到非终态
func (r *WorkflowRun) Transition(to RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to, nil)
}

// Finish 迁移到终态并记录原因；COMPLETED 的 reason 被忽略
func (r *WorkflowRun) Finish(to RunState, reason *FailureReason) error {
	if !to.IsTerminal() {
		return types.Errorf(types.ErrInvalidTransition, "%s is not a terminal state", to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to, reason)
}

func (r *WorkflowRun) transitionLocked(to RunState, reason *FailureReason) error {
	if !CanTransition(r.state, to) {
		return types.Errorf(types.ErrInvalidTransition, "run %s: %s -> %s", r.spec.ID, r.state, to)
	}
	now := r.now()
	if to == StateRunning && r.startedAt.IsZero() {
		r.startedAt = now
	}
	r.state = to
	if to.IsTerminal() {
		r.endedAt = now
		if to != StateCompleted && reason != nil {
			rc := *reason
			r.reason = &rc
		}
		close(r.done)
	}
	return nil
}

// appendResult 仅在未进入终态时追加，返回是否被接受
func (r *WorkflowRun) appendResult(res StepResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return false
	}
	r.results = append(r.results, res)
	return true
}

func (r *WorkflowRun) setAttempts(step, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step >= 0 && step < len(r.attempts) && attempt > r.attempts[step] {
		r.attempts[step] = attempt
	}
}

// result 返回已记录的步骤结果
func (r *WorkflowRun) result(index int) (StepResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range r.results {
		if res.Index == index {
			return res, true
		}
	}
	return StepResult{}, false
}

// Snapshot 运行状态的只读视图
type Snapshot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Caller    string         `json:"caller"`
	State     RunState       `json:"state"`
	Steps     int            `json:"steps"`
	Results   []StepResult   `json:"results"`
	Attempts  []int          `json:"attempts"`
	Failure   *FailureReason `json:"failure,omitempty"`
	QueuedAt  time.Time      `json:"queued_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// Snapshot 复制当前状态
func (r *WorkflowRun) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		ID:       r.spec.ID,
		Name:     r.spec.Name,
		Caller:   r.spec.CallerID(),
		State:    r.state,
		Steps:    len(r.spec.Steps),
		Results:  make([]StepResult, len(r.results)),
		Attempts: append([]int(nil), r.attempts...),
		QueuedAt: r.queuedAt,
	}
	for i, res := range r.results {
		s.Results[i] = res
		if res.Output != nil {
			s.Results[i].Output = deepCopyMap(res.Output)
		}
	}
	if r.reason != nil {
		rc := *r.reason
		s.Failure = &rc
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		s.StartedAt = &t
	}
	if !r.endedAt.IsZero() {
		t := r.endedAt
		s.EndedAt = &t
	}
	return s
}
