package knowledge

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore 基于内存的知识图谱实现，适用于本地开发与测试
type MemoryStore struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	rels   map[string]*Relationship
	relKey map[relationshipKey]string
	// outRels / inRels 记录节点出发/指向的关系 ID
	outRels map[string]map[string]struct{}
	inRels  map[string]map[string]struct{}
	now     func() time.Time
	logger  *zap.Logger
}

type relationshipKey struct {
	source, target, typ string
}

// NewMemoryStore 创建内存知识图谱
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		nodes:   make(map[string]*Node),
		rels:    make(map[string]*Relationship),
		relKey:  make(map[relationshipKey]string),
		outRels: make(map[string]map[string]struct{}),
		inRels:  make(map[string]map[string]struct{}),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "knowledge_memory")),
	}
}

func (s *MemoryStore) CreateNode(ctx context.Context, in NodeInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	node, err := prepareNode(in, s.now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; exists {
		return node.ID, nil
	}
	s.nodes[node.ID] = node

	s.logger.Debug("node created", zap.String("id", node.ID), zap.String("type", node.Type))
	return node.ID, nil
}

func (s *MemoryStore) CreateRelationship(ctx context.Context, in RelationshipInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateRelationship(in); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range []string{in.SourceID, in.TargetID} {
		if _, ok := s.nodes[id]; !ok {
			return "", notFound(id)
		}
	}

	key := relationshipKey{in.SourceID, in.TargetID, in.Type}
	if id, ok := s.relKey[key]; ok {
		return id, nil
	}

	rel := &Relationship{
		ID:         NewID(),
		SourceID:   in.SourceID,
		TargetID:   in.TargetID,
		Type:       in.Type,
		Properties: in.Properties,
		CreatedAt:  s.now(),
	}
	s.rels[rel.ID] = rel
	s.relKey[key] = rel.ID
	addEdge(s.outRels, rel.SourceID, rel.ID)
	addEdge(s.inRels, rel.TargetID, rel.ID)

	s.logger.Debug("relationship created",
		zap.String("id", rel.ID),
		zap.String("source", rel.SourceID),
		zap.String("target", rel.TargetID),
		zap.String("type", rel.Type))
	return rel.ID, nil
}

func addEdge(idx map[string]map[string]struct{}, nodeID, relID string) {
	set, ok := idx[nodeID]
	if !ok {
		set = make(map[string]struct{})
		idx[nodeID] = set
	}
	set[relID] = struct{}{}
}

func (s *MemoryStore) NodeExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok, nil
}

func (s *MemoryStore) GetNode(ctx context.Context, id string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	return copyNode(n), nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Node, 0)
	for _, n := range s.nodes {
		if filter.Type == "" || n.Type == filter.Type {
			out = append(out, copyNode(n))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Relationships 返回节点的出边（测试与调试用）
func (s *MemoryStore) Relationships(nodeID string) []*Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Relationship, 0, len(s.outRels[nodeID]))
	for relID := range s.outRels[nodeID] {
		r := *s.rels[relID]
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) GetRelated(ctx context.Context, id string, depth int) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	depth = clampDepth(depth)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[id]; !ok {
		return nil, notFound(id)
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []*Node
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, cur := range frontier {
			for _, nb := range s.neighboursLocked(cur) {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				next = append(next, nb)
				out = append(out, copyNode(s.nodes[nb]))
			}
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) neighboursLocked(id string) []string {
	var out []string
	for relID := range s.outRels[id] {
		out = append(out, s.rels[relID].TargetID)
	}
	for relID := range s.inRels[id] {
		out = append(out, s.rels[relID].SourceID)
	}
	return out
}

func (s *MemoryStore) UpdateNode(ctx context.Context, id string, upd NodeUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return notFound(id)
	}
	if upd.Content != nil {
		n.Content = *upd.Content
	}
	n.Metadata = mergeMetadata(n.Metadata, upd.Metadata)
	n.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return notFound(id)
	}
	for _, idx := range []map[string]map[string]struct{}{s.outRels, s.inRels} {
		for relID := range idx[id] {
			s.removeRelLocked(relID)
		}
	}
	delete(s.nodes, id)
	delete(s.outRels, id)
	delete(s.inRels, id)
	return nil
}

func (s *MemoryStore) removeRelLocked(relID string) {
	rel, ok := s.rels[relID]
	if !ok {
		return
	}
	delete(s.rels, relID)
	delete(s.relKey, relationshipKey{rel.SourceID, rel.TargetID, rel.Type})
	delete(s.outRels[rel.SourceID], relID)
	delete(s.inRels[rel.TargetID], relID)
}

// Stats 返回节点与关系数量
func (s *MemoryStore) Stats() (nodes, relationships int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.rels)
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
