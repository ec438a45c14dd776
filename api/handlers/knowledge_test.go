package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/BaSui01/autoagent/api"
	"github.com/BaSui01/autoagent/knowledge"
	"github.com/BaSui01/autoagent/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnowledgeHandler_ListByType(t *testing.T) {
	h := newAPIHarness(t)
	w, _ := h.do(t, http.MethodPost, "/api/v1/workflows", writeRequest("wf-k"))
	require.Equal(t, http.StatusAccepted, w.Code)
	h.wait(t, "wf-k")

	w, resp := h.do(t, http.MethodGet, "/api/v1/knowledge?type=workflow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list api.NodeListResponse
	decodeData(t, resp, &list)
	require.Len(t, list.Nodes, 1)
	assert.Equal(t, workflow.WorkflowNodeID("wf-k"), list.Nodes[0].ID)

	w, resp = h.do(t, http.MethodGet, "/api/v1/knowledge", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = api.NodeListResponse{}
	decodeData(t, resp, &list)
	assert.Len(t, list.Nodes, 2)
}

func TestKnowledgeHandler_GetAndRelated(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	a, err := h.store.CreateNode(ctx, knowledge.NodeInput{ID: "a", Type: knowledge.NodeTypeKnowledge, Content: "alpha"})
	require.NoError(t, err)
	b, err := h.store.CreateNode(ctx, knowledge.NodeInput{ID: "b", Type: knowledge.NodeTypeKnowledge, Content: "beta"})
	require.NoError(t, err)
	_, err = h.store.CreateRelationship(ctx, knowledge.RelationshipInput{SourceID: a, TargetID: b, Type: "mentions"})
	require.NoError(t, err)

	w, resp := h.do(t, http.MethodGet, "/api/v1/knowledge/a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var node api.NodeResponse
	decodeData(t, resp, &node)
	assert.Equal(t, "alpha", node.Content)

	w, resp = h.do(t, http.MethodGet, "/api/v1/knowledge/a/related?depth=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list api.NodeListResponse
	decodeData(t, resp, &list)
	require.Len(t, list.Nodes, 1)
	assert.Equal(t, "b", list.Nodes[0].ID)

	w, _ = h.do(t, http.MethodGet, "/api/v1/knowledge/a/related?depth=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = h.do(t, http.MethodGet, "/api/v1/knowledge/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}
