// Package knowledge 定义编排核心使用的知识图谱存储契约及其后端实现。
//
// 每次写入独立提交，核心不假设跨节点的事务原子性。调用方提供节点 ID 时，
// 对同一 ID 的重复写入返回原 ID 而不产生重复节点，使重试的写入步骤保持幂等。
package knowledge

import (
	"context"
	"strings"
	"time"

	"github.com/BaSui01/autoagent/types"
	"github.com/google/uuid"
)

// 节点类型
const (
	NodeTypeWorkflow  = "workflow"
	NodeTypeKnowledge = "knowledge"
)

// 由存储维护、调用方不可写入的元数据键
const (
	MetaCreatedAt = "created_at"
	MetaUpdatedAt = "updated_at"
)

// 默认与最大遍历深度
const (
	DefaultRelatedDepth = 2
	MaxRelatedDepth     = 5
)

const maxIDLength = 128

// Node 知识节点
type Node struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Relationship 有向类型边，在 (source, target, type) 上唯一
type Relationship struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NodeInput 创建节点的参数；ID 为空时由存储生成
type NodeInput struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RelationshipInput 创建关系的参数
type RelationshipInput struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NodeUpdate 更新节点；Content 为 nil 时不修改内容，Metadata 合并写入
type NodeUpdate struct {
	Content  *string        `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NodeFilter 列表查询条件，结果按创建时间倒序
type NodeFilter struct {
	Type  string
	Limit int
}

// Store 知识图谱存储
type Store interface {
	CreateNode(ctx context.Context, in NodeInput) (string, error)
	CreateRelationship(ctx context.Context, in RelationshipInput) (string, error)
	NodeExists(ctx context.Context, id string) (bool, error)

	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error)
	// GetRelated 返回 depth 跳内（不区分方向）可达的节点，不含起点
	GetRelated(ctx context.Context, id string, depth int) ([]*Node, error)
	UpdateNode(ctx context.Context, id string, upd NodeUpdate) error
	// DeleteNode 删除节点及其所有关系
	DeleteNode(ctx context.Context, id string) error

	Close() error
}

// NewID 生成节点/关系 ID
func NewID() string {
	return uuid.NewString()
}

// prepareNode 校验输入并构造待写入节点
func prepareNode(in NodeInput, now time.Time) (*Node, error) {
	if strings.TrimSpace(in.Type) == "" {
		return nil, types.NewValidationError("node type is required")
	}
	id := in.ID
	if id == "" {
		id = NewID()
	} else if len(id) > maxIDLength || strings.TrimSpace(id) != id {
		return nil, types.Errorf(types.ErrValidation, "invalid node id %q", id)
	}
	return &Node{
		ID:        id,
		Content:   in.Content,
		Type:      in.Type,
		Metadata:  cleanMetadata(in.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func validateRelationship(in RelationshipInput) error {
	if in.SourceID == "" || in.TargetID == "" {
		return types.NewValidationError("relationship source and target are required")
	}
	if strings.TrimSpace(in.Type) == "" {
		return types.NewValidationError("relationship type is required")
	}
	return nil
}

// cleanMetadata 复制元数据并移除存储维护的键
func cleanMetadata(md map[string]any) map[string]any {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		if k == MetaCreatedAt || k == MetaUpdatedAt {
			continue
		}
		out[k] = v
	}
	return out
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	src = cleanMetadata(src)
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func clampDepth(depth int) int {
	if depth <= 0 {
		return DefaultRelatedDepth
	}
	if depth > MaxRelatedDepth {
		return MaxRelatedDepth
	}
	return depth
}

func notFound(id string) error {
	return types.Errorf(types.ErrNotFound, "node %s not found", id)
}

func copyNode(n *Node) *Node {
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
