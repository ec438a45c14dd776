package workflow

import (
	"testing"
	"time"

	"github.com/BaSui01/autoagent/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []RunState{
	StateQueued, StateRunning, StateRetrying,
	StateCompleted, StateFailed, StateCancelled, StateTimedOut,
}

func newTestRun() *WorkflowRun {
	return NewRun(&WorkflowSpec{ID: "run-1", Name: "test", Steps: []Step{{Kind: StepModelCall}}}, nil)
}

func TestRun_InitialState(t *testing.T) {
	r := newTestRun()
	assert.Equal(t, StateQueued, r.State())
	snap := r.Snapshot()
	assert.Equal(t, "run-1", snap.ID)
	assert.Equal(t, 1, snap.Steps)
	assert.Nil(t, snap.StartedAt)
	assert.Nil(t, snap.EndedAt)
	assert.Equal(t, []int{0}, snap.Attempts)
}

func TestRun_HappyPathTransitions(t *testing.T) {
	r := newTestRun()
	require.NoError(t, r.Transition(StateRunning))
	require.NoError(t, r.Transition(StateRetrying))
	require.NoError(t, r.Transition(StateRunning))
	require.NoError(t, r.Finish(StateCompleted, &FailureReason{Code: types.ErrInternalError}))

	select {
	case <-r.Done():
	default:
		t.Fatal("done channel should be closed")
	}
	snap := r.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Nil(t, snap.Failure)
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.EndedAt)
}

func TestRun_TerminalIsFinal(t *testing.T) {
	r := newTestRun()
	require.NoError(t, r.Finish(StateCancelled, &FailureReason{Code: types.ErrCancelled, Message: "cancelled", Step: -1}))

	for _, s := range allStates {
		var err error
		if s.IsTerminal() {
			err = r.Finish(s, nil)
		} else {
			err = r.Transition(s)
		}
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition), "transition to %s", s)
	}
	assert.Equal(t, StateCancelled, r.State())
	assert.Equal(t, types.ErrCancelled, r.Snapshot().Failure.Code)
	assert.False(t, r.appendResult(StepResult{Index: 0}))
}

func TestRun_FinishRequiresTerminal(t *testing.T) {
	r := newTestRun()
	err := r.Finish(StateRunning, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
}

func TestRun_QueuedCannotRetryOrComplete(t *testing.T) {
	assert.False(t, CanTransition(StateQueued, StateRetrying))
	assert.False(t, CanTransition(StateQueued, StateCompleted))
	assert.False(t, CanTransition(StateRetrying, StateCompleted))
	assert.True(t, CanTransition(StateQueued, StateCancelled))
	assert.True(t, CanTransition(StateRetrying, StateTimedOut))
}

func TestRun_SnapshotIsCopy(t *testing.T) {
	r := newTestRun()
	require.NoError(t, r.Transition(StateRunning))
	require.True(t, r.appendResult(StepResult{Index: 0, Output: map[string]any{"content": "a"}}))

	snap := r.Snapshot()
	snap.Results[0].Output["content"] = "mutated"
	snap.Attempts[0] = 99

	again := r.Snapshot()
	assert.Equal(t, "a", again.Results[0].Output["content"])
	assert.Equal(t, 0, again.Attempts[0])
}

func TestRun_SpecIsIsolated(t *testing.T) {
	spec := &WorkflowSpec{ID: "x", Steps: []Step{{Kind: StepModelCall, Input: map[string]any{"prompt": "a"}}}}
	r := NewRun(spec, func() time.Time { return time.Unix(0, 0) })
	spec.Steps[0].Input["prompt"] = "b"
	assert.Equal(t, "a", r.Spec().Steps[0].Input["prompt"])
}

// 任意迁移序列下：只沿允许的边迁移，进入终态后状态不再改变
func TestProperty_ForwardOnlyTransitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("state machine never leaves a terminal state", prop.ForAll(
		func(seq []int) bool {
			r := newTestRun()
			for _, i := range seq {
				to := allStates[i]
				before := r.State()
				var err error
				if to.IsTerminal() {
					err = r.Finish(to, &FailureReason{Code: types.ErrInternalError})
				} else {
					err = r.Transition(to)
				}
				after := r.State()

				if CanTransition(before, to) {
					if err != nil || after != to {
						return false
					}
				} else if err == nil || after != before {
					return false
				}
				if before.IsTerminal() && after != before {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allStates)-1)),
	))

	properties.TestingRun(t)
}
