package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/BaSui01/autoagent/content"
	"github.com/BaSui01/autoagent/knowledge"
	"github.com/BaSui01/autoagent/llm"
	"github.com/BaSui01/autoagent/llm/tokenizer"
	"github.com/BaSui01/autoagent/types"
)

// RelationshipProduced 工作流记录节点 → 其产出节点
const RelationshipProduced = "produced"

const defaultRelationship = "related_to"

// stepCall 一个步骤的可重试单元。tokens > 0 时每次尝试前需要限流准入。
type stepCall struct {
	tokens int
	work   func(ctx context.Context, attempt int) (map[string]any, error)
}

// prepare 解析步骤输入；所有输入错误在首次尝试前以 VALIDATION 返回
func (e *Executor) prepare(run *WorkflowRun, index int, step Step) (*stepCall, error) {
	switch step.Kind {
	case StepModelCall:
		return e.prepareModelCall(run, index, step)
	case StepGraphWrite:
		return e.prepareGraphWrite(run, index, step)
	case StepContentExtract:
		return e.prepareContentExtract(run, index, step)
	default:
		return nil, types.Errorf(types.ErrValidation, "unknown step kind %q", step.Kind)
	}
}

func (e *Executor) prepareModelCall(run *WorkflowRun, index int, step Step) (*stepCall, error) {
	if e.provider == nil {
		return nil, types.NewValidationError("no model backend configured")
	}
	in := step.Input
	prompt := stringInput(in, "prompt")
	if ref, ok := intInput(in, "from_step"); ok {
		text, err := priorText(run, index, ref)
		if err != nil {
			return nil, err
		}
		if prompt == "" {
			prompt = text
		} else {
			prompt = prompt + "\n\n" + text
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, types.NewValidationError("model_call requires a prompt")
	}

	req := &llm.ChatRequest{
		TraceID:     run.ID(),
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}
	if m := stringInput(in, "model"); m != "" {
		req.Model = m
	}
	if n, ok := intInput(in, "max_tokens"); ok {
		if n <= 0 {
			return nil, types.NewValidationError("max_tokens must be positive")
		}
		req.MaxTokens = n
	}
	if t, ok := floatInput(in, "temperature"); ok {
		req.Temperature = float32(t)
	}
	if sys := stringInput(in, "system"); sys != "" {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: sys})
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	tokens, err := tokenizer.EstimateRequest(e.tokenizer, req)
	if err != nil {
		return nil, fmt.Errorf("estimate tokens: %w", err)
	}

	nodeType := stringInput(in, "node_type")
	nodeID := ""
	if nodeType != "" {
		if e.store == nil {
			return nil, types.NewValidationError("no knowledge store configured")
		}
		nodeID = knowledge.NewID()
	}

	return &stepCall{
		tokens: tokens,
		work: func(ctx context.Context, attempt int) (map[string]any, error) {
			resp, err := e.provider.Completion(ctx, req)
			if err != nil {
				return nil, err
			}
			out := map[string]any{
				"content":           resp.Content,
				"model":             resp.Model,
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			}
			if nodeType != "" {
				id, err := e.persist(ctx, run, nodeID, resp.Content, nodeType, map[string]any{
					"model": resp.Model,
				}, index)
				if err != nil {
					return nil, err
				}
				out["node_id"] = id
			}
			return out, nil
		},
	}, nil
}

func (e *Executor) prepareGraphWrite(run *WorkflowRun, index int, step Step) (*stepCall, error) {
	if e.store == nil {
		return nil, types.NewValidationError("no knowledge store configured")
	}
	in := step.Input
	text := stringInput(in, "content")
	if ref, ok := intInput(in, "from_step"); ok && text == "" {
		t, err := priorText(run, index, ref)
		if err != nil {
			return nil, err
		}
		text = t
	}
	if text == "" {
		return nil, types.NewValidationError("graph_write requires content or from_step")
	}

	nodeType := stringInput(in, "type")
	if nodeType == "" {
		nodeType = knowledge.NodeTypeKnowledge
	}
	md, _ := in["metadata"].(map[string]any)
	targets, err := stringsInput(in, "relate_to")
	if err != nil {
		return nil, err
	}
	relType := stringInput(in, "relationship")
	if relType == "" {
		relType = defaultRelationship
	}

	// 首次尝试之前确定节点 ID，重试时写入同一节点
	nodeID := stringInput(in, "node_id")
	if nodeID == "" {
		nodeID = knowledge.NewID()
	}

	return &stepCall{
		work: func(ctx context.Context, attempt int) (map[string]any, error) {
			id, err := e.persist(ctx, run, nodeID, text, nodeType, md, index)
			if err != nil {
				return nil, err
			}
			rels := make([]string, 0, len(targets))
			for _, target := range targets {
				relID, err := e.store.CreateRelationship(ctx, knowledge.RelationshipInput{
					SourceID: id,
					TargetID: target,
					Type:     relType,
				})
				if err != nil {
					return nil, err
				}
				e.observeWrite("relationship")
				rels = append(rels, relID)
			}
			return map[string]any{
				"node_id":       id,
				"type":          nodeType,
				"relationships": rels,
			}, nil
		},
	}, nil
}

func (e *Executor) prepareContentExtract(run *WorkflowRun, index int, step Step) (*stepCall, error) {
	if e.extractor == nil {
		return nil, types.NewValidationError("no content extractor configured")
	}
	in := step.Input
	src := content.Source{
		Path:   stringInput(in, "path"),
		Text:   stringInput(in, "text"),
		Format: stringInput(in, "format"),
	}
	if src.Path == "" && src.Text == "" {
		return nil, types.NewValidationError("content_extract requires path or text")
	}
	nodeType := stringInput(in, "node_type")
	nodeID := ""
	if nodeType != "" {
		if e.store == nil {
			return nil, types.NewValidationError("no knowledge store configured")
		}
		nodeID = knowledge.NewID()
	}

	return &stepCall{
		work: func(ctx context.Context, attempt int) (map[string]any, error) {
			doc, err := e.extractor.Extract(ctx, src)
			if err != nil {
				return nil, err
			}
			out := map[string]any{
				"text":     doc.Text,
				"format":   doc.Format,
				"size":     doc.Size,
				"metadata": doc.Metadata,
			}
			if nodeType != "" {
				md := map[string]any{"format": doc.Format}
				if src.Path != "" {
					md["source_path"] = src.Path
				}
				id, err := e.persist(ctx, run, nodeID, doc.Text, nodeType, md, index)
				if err != nil {
					return nil, err
				}
				out["node_id"] = id
			}
			return out, nil
		},
	}, nil
}

// persist 写入节点，并在开启记录时关联到工作流节点
func (e *Executor) persist(ctx context.Context, run *WorkflowRun, nodeID, text, nodeType string, md map[string]any, index int) (string, error) {
	meta := make(map[string]any, len(md)+2)
	for k, v := range md {
		meta[k] = v
	}
	meta["workflow_id"] = run.ID()
	meta["step"] = index

	id, err := e.store.CreateNode(ctx, knowledge.NodeInput{
		ID:       nodeID,
		Content:  text,
		Type:     nodeType,
		Metadata: meta,
	})
	if err != nil {
		return "", err
	}
	e.observeWrite("node")

	if !e.cfg.LinkProduced {
		return id, nil
	}
	parent := WorkflowNodeID(run.ID())
	ok, err := e.store.NodeExists(ctx, parent)
	if err != nil {
		return "", err
	}
	if ok {
		if _, err := e.store.CreateRelationship(ctx, knowledge.RelationshipInput{
			SourceID: parent,
			TargetID: id,
			Type:     RelationshipProduced,
		}); err != nil {
			return "", err
		}
		e.observeWrite("relationship")
	}
	return id, nil
}

func (e *Executor) observeWrite(kind string) {
	if e.observer != nil {
		e.observer.ObserveKnowledgeWrite(kind)
	}
}

// priorText 读取更早步骤输出中的文本
func priorText(run *WorkflowRun, index, ref int) (string, error) {
	if ref < 0 || ref >= index {
		return "", types.Errorf(types.ErrValidation, "from_step %d must reference an earlier step", ref)
	}
	res, ok := run.result(ref)
	if !ok {
		return "", types.Errorf(types.ErrValidation, "step %d has no result", ref)
	}
	for _, key := range []string{"content", "text"} {
		if s, ok := res.Output[key].(string); ok {
			return s, nil
		}
	}
	return "", types.Errorf(types.ErrValidation, "step %d produced no text", ref)
}

func stringInput(in map[string]any, key string) string {
	s, _ := in[key].(string)
	return strings.TrimSpace(s)
}

func intInput(in map[string]any, key string) (int, bool) {
	switch v := in[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

func floatInput(in map[string]any, key string) (float64, bool) {
	switch v := in[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

func stringsInput(in map[string]any, key string) ([]string, error) {
	switch v := in[key].(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, types.Errorf(types.ErrValidation, "%s must contain only strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, types.Errorf(types.ErrValidation, "%s must be a string or list of strings", key)
	}
}
