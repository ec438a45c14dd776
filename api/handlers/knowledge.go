package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/BaSui01/autoagent/api"
	"github.com/BaSui01/autoagent/knowledge"
	"github.com/BaSui01/autoagent/types"
	"go.uber.org/zap"
)

// KnowledgeService 知识图谱只读查询
type KnowledgeService interface {
	Knowledge(ctx context.Context, filter knowledge.NodeFilter) ([]*knowledge.Node, error)
	Node(ctx context.Context, id string) (*knowledge.Node, error)
	Related(ctx context.Context, id string, depth int) ([]*knowledge.Node, error)
}

// KnowledgeHandler 知识节点查询
type KnowledgeHandler struct {
	svc    KnowledgeService
	logger *zap.Logger
}

// NewKnowledgeHandler 创建知识查询处理器
func NewKnowledgeHandler(svc KnowledgeService, logger *zap.Logger) *KnowledgeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnowledgeHandler{svc: svc, logger: logger.With(zap.String("handler", "knowledge"))}
}

// HandleList GET /api/v1/knowledge?type=knowledge&limit=50
// @Summary 列出知识节点
// @Tags 知识
// @Produce json
// @Param type query string false "节点类型"
// @Param limit query int false "最多返回条数"
// @Success 200 {object} api.NodeListResponse
// @Router /api/v1/knowledge [get]
func (h *KnowledgeHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	nodes, err := h.svc.Knowledge(r.Context(), knowledge.NodeFilter{Type: q.Get("type"), Limit: limit})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.NodeListResponse{Nodes: toNodeResponses(nodes)})
}

// HandleGet GET /api/v1/knowledge/{id}
// @Summary 查询知识节点
// @Tags 知识
// @Produce json
// @Param id path string true "节点 ID"
// @Success 200 {object} api.NodeResponse
// @Failure 404 {object} Response
// @Router /api/v1/knowledge/{id} [get]
func (h *KnowledgeHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Node(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, toNodeResponse(n))
}

// HandleRelated GET /api/v1/knowledge/{id}/related?depth=2
// @Summary 关联节点
// @Tags 知识
// @Produce json
// @Param id path string true "节点 ID"
// @Param depth query int false "遍历深度（1-5）"
// @Success 200 {object} api.NodeListResponse
// @Router /api/v1/knowledge/{id}/related [get]
func (h *KnowledgeHandler) HandleRelated(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			WriteError(w, r, types.Errorf(types.ErrValidation, "invalid depth %q", raw), h.logger)
			return
		}
		depth = d
	}
	nodes, err := h.svc.Related(r.Context(), r.PathValue("id"), depth)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.NodeListResponse{Nodes: toNodeResponses(nodes)})
}

func toNodeResponses(nodes []*knowledge.Node) []api.NodeResponse {
	out := make([]api.NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeResponse(n))
	}
	return out
}

func toNodeResponse(n *knowledge.Node) api.NodeResponse {
	return api.NodeResponse{
		ID:        n.ID,
		Type:      n.Type,
		Content:   n.Content,
		Metadata:  n.Metadata,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}
