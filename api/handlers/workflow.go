package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/autoagent/api"
	"github.com/BaSui01/autoagent/coordinator"
	"github.com/BaSui01/autoagent/scheduler"
	"github.com/BaSui01/autoagent/types"
	"github.com/BaSui01/autoagent/workflow"
	"go.uber.org/zap"
)

const maxListLimit = 500

// WorkflowService 工作流处理器依赖的协调器能力
type WorkflowService interface {
	Submit(ctx context.Context, spec *workflow.WorkflowSpec) (string, error)
	Query(ctx context.Context, id string) (workflow.Snapshot, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, filter scheduler.ListFilter) []workflow.Snapshot
	RateStatus() coordinator.RateStatus
}

// WorkflowHandler 工作流提交、查询与取消
type WorkflowHandler struct {
	svc    WorkflowService
	logger *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(svc WorkflowService, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{svc: svc, logger: logger.With(zap.String("handler", "workflow"))}
}

// HandleSubmit POST /api/v1/workflows
// @Summary 提交工作流
// @Tags 工作流
// @Accept json
// @Produce json
// @Param request body api.WorkflowRequest true "工作流"
// @Success 202 {object} api.SubmitResponse
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Failure 429 {object} Response
// @Router /api/v1/workflows [post]
func (h *WorkflowHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.WorkflowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	spec, err := req.ToSpec()
	if err != nil {
		WriteError(w, r, types.NewValidationError(err.Error()), h.logger)
		return
	}

	id, err := h.svc.Submit(r.Context(), spec)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	// 运行可能已被调度，返回提交后的实际状态
	state := workflow.StateQueued
	if snap, err := h.svc.Query(r.Context(), id); err == nil {
		state = snap.State
	} else {
		h.logger.Debug("query after submit failed", zap.String("run_id", id), zap.Error(err))
	}
	WriteStatus(w, r, http.StatusAccepted, api.SubmitResponse{ID: id, State: string(state)})
}

// HandleList GET /api/v1/workflows?state=RUNNING,QUEUED&limit=20
// @Summary 列出运行
// @Tags 工作流
// @Produce json
// @Param state query string false "逗号分隔的状态"
// @Param limit query int false "最多返回条数"
// @Success 200 {object} api.RunListResponse
// @Router /api/v1/workflows [get]
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	filter := scheduler.ListFilter{Limit: limit}
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := workflow.RunState(strings.ToUpper(strings.TrimSpace(s)))
			if !validState(st) {
				WriteError(w, r, types.Errorf(types.ErrValidation, "unknown state %q", s), h.logger)
				return
			}
			filter.States = append(filter.States, st)
		}
	}
	runs := h.svc.List(r.Context(), filter)
	if runs == nil {
		runs = []workflow.Snapshot{}
	}
	WriteSuccess(w, r, api.RunListResponse{Runs: runs})
}

// HandleGet GET /api/v1/workflows/{id}
// @Summary 查询运行
// @Tags 工作流
// @Produce json
// @Param id path string true "运行 ID"
// @Success 200 {object} workflow.Snapshot
// @Failure 404 {object} Response
// @Router /api/v1/workflows/{id} [get]
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, snap)
}

// HandleCancel DELETE /api/v1/workflows/{id}
// @Summary 取消运行
// @Tags 工作流
// @Produce json
// @Param id path string true "运行 ID"
// @Success 200 {object} workflow.Snapshot
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Router /api/v1/workflows/{id} [delete]
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	snap, err := h.svc.Query(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.logger.Info("workflow cancelled via API", zap.String("run_id", id))
	WriteSuccess(w, r, snap)
}

// HandleRateStatus GET /api/v1/ratelimit
// @Summary 限流与调度状态
// @Tags 工作流
// @Produce json
// @Success 200 {object} coordinator.RateStatus
// @Router /api/v1/ratelimit [get]
func (h *WorkflowHandler) HandleRateStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.svc.RateStatus())
}

func validState(s workflow.RunState) bool {
	switch s {
	case workflow.StateQueued, workflow.StateRunning, workflow.StateRetrying,
		workflow.StateCompleted, workflow.StateFailed, workflow.StateCancelled, workflow.StateTimedOut:
		return true
	}
	return false
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.Errorf(types.ErrValidation, "invalid limit %q", raw)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
