package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/autoagent/api"
	"github.com/BaSui01/autoagent/coordinator"
	"github.com/BaSui01/autoagent/knowledge"
	"github.com/BaSui01/autoagent/llm/tokenizer"
	"github.com/BaSui01/autoagent/scheduler"
	"github.com/BaSui01/autoagent/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type apiHarness struct {
	mux   *http.ServeMux
	coord *coordinator.Coordinator
	store *knowledge.MemoryStore
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store := knowledge.NewMemoryStore(nil)
	exec := workflow.NewExecutor(workflow.DefaultConfig(), zap.NewNop(),
		workflow.WithStore(store),
		workflow.WithTokenizer(tokenizer.NewEstimatorTokenizer()),
	)
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 2}, exec, zap.NewNop())
	coord := coordinator.New(coordinator.Config{RecordWorkflows: true}, sched, zap.NewNop(),
		coordinator.WithStore(store))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	mux := http.NewServeMux()
	Register(mux,
		NewWorkflowHandler(coord, zap.NewNop()),
		NewKnowledgeHandler(coord, zap.NewNop()),
		NewHealthHandler(zap.NewNop()),
	)
	return &apiHarness{mux: mux, coord: coord, store: store}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, r)

	var resp Response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

// decodeData 把信封中的 data 重新解码为目标类型
func decodeData(t *testing.T, resp Response, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func (h *apiHarness) wait(t *testing.T, id string) workflow.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.coord.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func writeRequest(id string) api.WorkflowRequest {
	return api.WorkflowRequest{
		ID:   id,
		Name: "notes",
		Steps: []api.StepRequest{
			{Name: "save", Kind: "graph_write", Input: map[string]any{"content": "hello graph"}, Timeout: "5s"},
		},
		Timeout: "1m",
	}
}

// =============================================================================
// 🧪 WorkflowHandler 测试
// =============================================================================

func TestWorkflowHandler_SubmitAndQuery(t *testing.T) {
	h := newAPIHarness(t)

	w, resp := h.do(t, http.MethodPost, "/api/v1/workflows", writeRequest("wf-1"))
	require.Equal(t, http.StatusAccepted, w.Code)
	var sub api.SubmitResponse
	decodeData(t, resp, &sub)
	assert.Equal(t, "wf-1", sub.ID)
	assert.NotEmpty(t, sub.State)

	h.wait(t, "wf-1")

	w, resp = h.do(t, http.MethodGet, "/api/v1/workflows/wf-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap workflow.Snapshot
	decodeData(t, resp, &snap)
	assert.Equal(t, workflow.StateCompleted, snap.State)
	require.Len(t, snap.Results, 1)
	assert.NotEmpty(t, snap.Results[0].NodeID)
}

// stubWorkflowService 固定 Query 结果的服务
type stubWorkflowService struct {
	WorkflowService
	snap     workflow.Snapshot
	queryErr error
}

func (s *stubWorkflowService) Submit(_ context.Context, spec *workflow.WorkflowSpec) (string, error) {
	return spec.ID, nil
}

func (s *stubWorkflowService) Query(context.Context, string) (workflow.Snapshot, error) {
	return s.snap, s.queryErr
}

func TestWorkflowHandler_SubmitReportsCurrentState(t *testing.T) {
	tests := []struct {
		name string
		svc  *stubWorkflowService
		want string
	}{
		{"已开始运行", &stubWorkflowService{snap: workflow.Snapshot{State: workflow.StateRunning}}, "RUNNING"},
		{"查询失败回退为排队", &stubWorkflowService{queryErr: errors.New("gone")}, "QUEUED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/v1/workflows", NewWorkflowHandler(tt.svc, zap.NewNop()).HandleSubmit)
			h := &apiHarness{mux: mux}

			w, resp := h.do(t, http.MethodPost, "/api/v1/workflows", writeRequest("wf-s"))
			require.Equal(t, http.StatusAccepted, w.Code)
			var sub api.SubmitResponse
			decodeData(t, resp, &sub)
			assert.Equal(t, "wf-s", sub.ID)
			assert.Equal(t, tt.want, sub.State)
		})
	}
}

func TestWorkflowHandler_SubmitErrors(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("no steps", func(t *testing.T) {
		w, resp := h.do(t, http.MethodPost, "/api/v1/workflows", api.WorkflowRequest{ID: "empty"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION", resp.Error.Code)
	})

	t.Run("bad duration", func(t *testing.T) {
		req := writeRequest("bad-duration")
		req.Timeout = "soon"
		w, resp := h.do(t, http.MethodPost, "/api/v1/workflows", req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION", resp.Error.Code)
	})

	t.Run("unknown kind", func(t *testing.T) {
		req := writeRequest("bad-kind")
		req.Steps[0].Kind = "teleport"
		w, _ := h.do(t, http.MethodPost, "/api/v1/workflows", req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("wrong content type", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString(`{}`))
		r.Header.Set("Content-Type", "text/plain")
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("duplicate", func(t *testing.T) {
		w, _ := h.do(t, http.MethodPost, "/api/v1/workflows", writeRequest("dup"))
		require.Equal(t, http.StatusAccepted, w.Code)
		w, resp := h.do(t, http.MethodPost, "/api/v1/workflows", writeRequest("dup"))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "ALREADY_EXISTS", resp.Error.Code)
	})
}

func TestWorkflowHandler_GetUnknown(t *testing.T) {
	h := newAPIHarness(t)
	w, resp := h.do(t, http.MethodGet, "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)

	w, _ = h.do(t, http.MethodDelete, "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowHandler_CancelTerminal(t *testing.T) {
	h := newAPIHarness(t)
	w, _ := h.do(t, http.MethodPost, "/api/v1/workflows", writeRequest("done"))
	require.Equal(t, http.StatusAccepted, w.Code)
	h.wait(t, "done")

	w, resp := h.do(t, http.MethodDelete, "/api/v1/workflows/done", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", resp.Error.Code)
}

func TestWorkflowHandler_List(t *testing.T) {
	h := newAPIHarness(t)
	for _, id := range []string{"a", "b"} {
		w, _ := h.do(t, http.MethodPost, "/api/v1/workflows", writeRequest(id))
		require.Equal(t, http.StatusAccepted, w.Code)
		h.wait(t, id)
	}

	w, resp := h.do(t, http.MethodGet, "/api/v1/workflows?state=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list api.RunListResponse
	decodeData(t, resp, &list)
	assert.Len(t, list.Runs, 2)

	w, resp = h.do(t, http.MethodGet, "/api/v1/workflows?state=RUNNING", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = api.RunListResponse{}
	decodeData(t, resp, &list)
	assert.Empty(t, list.Runs)

	w, _ = h.do(t, http.MethodGet, "/api/v1/workflows?state=SLEEPING", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodGet, "/api/v1/workflows?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowHandler_RateStatus(t *testing.T) {
	h := newAPIHarness(t)
	w, resp := h.do(t, http.MethodGet, "/api/v1/ratelimit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st coordinator.RateStatus
	decodeData(t, resp, &st)
	assert.Equal(t, 2, st.Scheduler.MaxConcurrent)
	assert.Nil(t, st.Limiter)
}

func TestWorkflowRequest_ToSpec(t *testing.T) {
	req := writeRequest("wf")
	req.MaxRetries = 4
	req.Caller = "team-a"
	spec, err := req.ToSpec()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, spec.Timeout)
	assert.Equal(t, 5*time.Second, spec.Steps[0].Timeout)
	assert.Equal(t, workflow.StepGraphWrite, spec.Steps[0].Kind)
	assert.Equal(t, "team-a", spec.CallerID())
	assert.Equal(t, 4, spec.MaxRetries)

	req.Steps[0].Timeout = "fast"
	_, err = req.ToSpec()
	assert.ErrorContains(t, err, "steps[0].timeout")
}
