package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/autoagent/knowledge"
	"github.com/BaSui01/autoagent/llm/idempotency"
	"github.com/BaSui01/autoagent/llm/ratelimit"
	"github.com/BaSui01/autoagent/llm/tokenizer"
	"github.com/BaSui01/autoagent/scheduler"
	"github.com/BaSui01/autoagent/types"
	"github.com/BaSui01/autoagent/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	coord *Coordinator
	store *knowledge.MemoryStore
}

func newHarness(t *testing.T, cfg Config, schedCfg scheduler.Config, opts ...Option) *harness {
	t.Helper()
	store := knowledge.NewMemoryStore(nil)
	exec := workflow.NewExecutor(workflow.DefaultConfig(), zap.NewNop(),
		workflow.WithStore(store),
		workflow.WithTokenizer(tokenizer.NewEstimatorTokenizer()),
	)
	sched := scheduler.New(schedCfg, exec, zap.NewNop())
	opts = append([]Option{WithStore(store)}, opts...)
	c := New(cfg, sched, zap.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return &harness{coord: c, store: store}
}

func writeSpec(id string) *workflow.WorkflowSpec {
	return &workflow.WorkflowSpec{
		ID:   id,
		Name: "notes",
		Steps: []workflow.Step{
			{Name: "save", Kind: workflow.StepGraphWrite, Input: map[string]any{"content": "hello graph"}},
		},
	}
}

func waitDone(t *testing.T, c *Coordinator, id string) workflow.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

// =============================================================================
// 提交
// =============================================================================

func TestCoordinator_SubmitRecordsWorkflow(t *testing.T) {
	h := newHarness(t, Config{RecordWorkflows: true}, scheduler.Config{MaxConcurrent: 2})
	ctx := context.Background()

	id, err := h.coord.Submit(ctx, writeSpec("wf-1"))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", id)

	snap := waitDone(t, h.coord, id)
	assert.Equal(t, workflow.StateCompleted, snap.State)
	require.Len(t, snap.Results, 1)

	node, err := h.coord.Node(ctx, workflow.WorkflowNodeID(id))
	require.NoError(t, err)
	assert.Equal(t, knowledge.NodeTypeWorkflow, node.Type)
	assert.Equal(t, "notes", node.Content)
	assert.Equal(t, "wf-1", node.Metadata["workflow_id"])

	rels := h.store.Relationships(workflow.WorkflowNodeID(id))
	require.Len(t, rels, 1)
	assert.Equal(t, workflow.RelationshipProduced, rels[0].Type)
	assert.Equal(t, snap.Results[0].NodeID, rels[0].TargetID)

	related, err := h.coord.Related(ctx, workflow.WorkflowNodeID(id), 1)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "hello graph", related[0].Content)
}

func TestCoordinator_SubmitWithoutRecording(t *testing.T) {
	h := newHarness(t, Config{}, scheduler.Config{MaxConcurrent: 1})
	ctx := context.Background()

	id, err := h.coord.Submit(ctx, writeSpec("wf-plain"))
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	exists, err := h.store.NodeExists(ctx, workflow.WorkflowNodeID(id))
	require.NoError(t, err)
	assert.False(t, exists)

	nodes, err := h.coord.Knowledge(ctx, knowledge.NodeFilter{Type: knowledge.NodeTypeKnowledge})
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestCoordinator_SubmitAssignsID(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{}, scheduler.Config{MaxConcurrent: 1}, WithClock(func() time.Time { return now }))

	spec := writeSpec("")
	id, err := h.coord.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, spec.ID, "caller's spec must not be mutated")

	snap, err := h.coord.Query(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.ID)
}

func TestCoordinator_SubmitValidation(t *testing.T) {
	h := newHarness(t, Config{}, scheduler.Config{MaxConcurrent: 1})

	_, err := h.coord.Submit(context.Background(), nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = h.coord.Submit(context.Background(), &workflow.WorkflowSpec{ID: "x"})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestCoordinator_DuplicateSubmission(t *testing.T) {
	idem := idempotency.NewMemoryManager(nil)
	defer idem.Close()
	h := newHarness(t, Config{IdempotencyTTL: time.Hour}, scheduler.Config{MaxConcurrent: 1}, WithIdempotency(idem))
	ctx := context.Background()

	_, err := h.coord.Submit(ctx, writeSpec("wf-dup"))
	require.NoError(t, err)

	id, err := h.coord.Submit(ctx, writeSpec("wf-dup"))
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyExists))
	assert.Equal(t, "wf-dup", id)
}

func TestCoordinator_RejectedSubmissionReleasesKey(t *testing.T) {
	idem := idempotency.NewMemoryManager(nil)
	defer idem.Close()
	h := newHarness(t, Config{RecordWorkflows: true}, scheduler.Config{MaxConcurrent: 1}, WithIdempotency(idem))
	ctx := context.Background()

	require.NoError(t, h.coord.sched.Shutdown(ctx))
	_, err := h.coord.Submit(ctx, writeSpec("wf-late"))
	assert.True(t, types.IsErrorCode(err, types.ErrShuttingDown))

	_, found, err := idem.Get(ctx, idempotencyPrefix+"wf-late")
	require.NoError(t, err)
	assert.False(t, found)

	// 被拒绝的提交不留下工作流记录
	exists, err := h.store.NodeExists(ctx, workflow.WorkflowNodeID("wf-late"))
	require.NoError(t, err)
	assert.False(t, exists)
	nodes, err := h.store.ListNodes(ctx, knowledge.NodeFilter{Type: knowledge.NodeTypeWorkflow})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestCoordinator_RejectedResubmissionKeepsExistingRecord(t *testing.T) {
	h := newHarness(t, Config{RecordWorkflows: true}, scheduler.Config{MaxConcurrent: 1})
	ctx := context.Background()

	id, err := h.coord.Submit(ctx, writeSpec("wf-twice"))
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	// 无幂等管理器时由调度器拒绝重复 ID，已有运行的记录节点保留
	_, err = h.coord.Submit(ctx, writeSpec("wf-twice"))
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyExists))
	exists, err := h.store.NodeExists(ctx, workflow.WorkflowNodeID("wf-twice"))
	require.NoError(t, err)
	assert.True(t, exists)
}

// =============================================================================
// 查询、取消与状态
// =============================================================================

func TestCoordinator_UnknownRun(t *testing.T) {
	h := newHarness(t, Config{}, scheduler.Config{MaxConcurrent: 1})

	_, err := h.coord.Query(context.Background(), "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	assert.True(t, types.IsErrorCode(h.coord.Cancel(context.Background(), "missing"), types.ErrNotFound))
}

func TestCoordinator_CancelTerminal(t *testing.T) {
	h := newHarness(t, Config{}, scheduler.Config{MaxConcurrent: 1})
	id, err := h.coord.Submit(context.Background(), writeSpec("wf-done"))
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	err = h.coord.Cancel(context.Background(), id)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	assert.Empty(t, h.coord.Active(context.Background()))
}

func TestCoordinator_RateStatus(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: 10, MaxTokensPerRequest: 100}, nil)
	require.NoError(t, err)
	h := newHarness(t, Config{}, scheduler.Config{MaxConcurrent: 3}, WithLimiter(limiter))

	permit, err := limiter.TryAcquire("alice", 40)
	require.NoError(t, err)
	permit.Release(-1)

	st := h.coord.RateStatus()
	require.NotNil(t, st.Limiter)
	assert.Equal(t, 1, st.Limiter.WindowRequests)
	assert.Equal(t, 40, st.Limiter.WindowTokens)
	assert.Equal(t, 3, st.Scheduler.MaxConcurrent)
}

func TestCoordinator_NoStore(t *testing.T) {
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 1}, workflow.NewExecutor(workflow.DefaultConfig(), nil,
		workflow.WithTokenizer(tokenizer.NewEstimatorTokenizer())), nil)
	c := New(Config{RecordWorkflows: true}, sched, nil)
	defer c.Shutdown(context.Background())

	_, err := c.Knowledge(context.Background(), knowledge.NodeFilter{})
	assert.True(t, types.IsErrorCode(err, types.ErrInternalError))
	_, err = c.Node(context.Background(), "x")
	assert.True(t, types.IsErrorCode(err, types.ErrInternalError))
}
