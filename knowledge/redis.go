package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore 基于 Redis 的知识图谱
//
// 键布局（prefix 默认 "knowledge:"）：
//
//	node:{id}        节点 JSON
//	nodes            全部节点，score 为创建时间
//	type:{type}      按类型索引
//	rel:{id}         关系 JSON
//	relkey:{s}|{t}|{type}  唯一约束，值为关系 ID
//	out:{id} in:{id} 节点的出/入关系 ID 集合
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "knowledge:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "knowledge_redis")),
	}
}

func (s *RedisStore) nodeKey(id string) string  { return s.prefix + "node:" + id }
func (s *RedisStore) allKey() string            { return s.prefix + "nodes" }
func (s *RedisStore) typeKey(typ string) string { return s.prefix + "type:" + typ }
func (s *RedisStore) relKey(id string) string   { return s.prefix + "rel:" + id }
func (s *RedisStore) outKey(id string) string   { return s.prefix + "out:" + id }
func (s *RedisStore) inKey(id string) string    { return s.prefix + "in:" + id }
func (s *RedisStore) uniqueKey(r *Relationship) string {
	return fmt.Sprintf("%srelkey:%s|%s|%s", s.prefix, r.SourceID, r.TargetID, r.Type)
}

func score(t time.Time) float64 { return float64(t.UnixNano()) }

func (s *RedisStore) CreateNode(ctx context.Context, in NodeInput) (string, error) {
	node, err := prepareNode(in, s.now())
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("marshal node: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.nodeKey(node.ID), data, 0).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		s.logger.Debug("node already exists", zap.String("id", node.ID))
		return node.ID, nil
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		z := redis.Z{Score: score(node.CreatedAt), Member: node.ID}
		p.ZAdd(ctx, s.allKey(), z)
		p.ZAdd(ctx, s.typeKey(node.Type), z)
		return nil
	})
	if err != nil {
		return "", err
	}
	return node.ID, nil
}

func (s *RedisStore) CreateRelationship(ctx context.Context, in RelationshipInput) (string, error) {
	if err := validateRelationship(in); err != nil {
		return "", err
	}
	for _, id := range []string{in.SourceID, in.TargetID} {
		ok, err := s.NodeExists(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", notFound(id)
		}
	}

	rel := &Relationship{
		ID:         NewID(),
		SourceID:   in.SourceID,
		TargetID:   in.TargetID,
		Type:       in.Type,
		Properties: in.Properties,
		CreatedAt:  s.now(),
	}
	claimed, err := s.client.SetNX(ctx, s.uniqueKey(rel), rel.ID, 0).Result()
	if err != nil {
		return "", err
	}
	if !claimed {
		return s.client.Get(ctx, s.uniqueKey(rel)).Result()
	}

	data, err := json.Marshal(rel)
	if err != nil {
		return "", fmt.Errorf("marshal relationship: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.relKey(rel.ID), data, 0)
		p.SAdd(ctx, s.outKey(rel.SourceID), rel.ID)
		p.SAdd(ctx, s.inKey(rel.TargetID), rel.ID)
		return nil
	})
	if err != nil {
		return "", err
	}
	return rel.ID, nil
}

func (s *RedisStore) NodeExists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.nodeKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) GetNode(ctx context.Context, id string) (*Node, error) {
	data, err := s.client.Get(ctx, s.nodeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("unmarshal node %s: %w", id, err)
	}
	return &n, nil
}

func (s *RedisStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	key := s.allKey()
	if filter.Type != "" {
		key = s.typeKey(filter.Type)
	}
	stop := int64(-1)
	if filter.Limit > 0 {
		stop = int64(filter.Limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return s.loadNodes(ctx, ids)
}

func (s *RedisStore) loadNodes(ctx context.Context, ids []string) ([]*Node, error) {
	out := make([]*Node, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.nodeKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var n Node
		if err := json.Unmarshal([]byte(str), &n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, nil
}

func (s *RedisStore) loadRelationships(ctx context.Context, relIDs []string) ([]*Relationship, error) {
	out := make([]*Relationship, 0, len(relIDs))
	if len(relIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(relIDs))
	for i, id := range relIDs {
		keys[i] = s.relKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r Relationship
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *RedisStore) edges(ctx context.Context, id string) ([]*Relationship, error) {
	var outIDs, inIDs *redis.StringSliceCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		outIDs = p.SMembers(ctx, s.outKey(id))
		inIDs = p.SMembers(ctx, s.inKey(id))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.loadRelationships(ctx, append(outIDs.Val(), inIDs.Val()...))
}

func (s *RedisStore) GetRelated(ctx context.Context, id string, depth int) ([]*Node, error) {
	depth = clampDepth(depth)
	exists, err := s.NodeExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound(id)
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var found []string
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, cur := range frontier {
			rels, err := s.edges(ctx, cur)
			if err != nil {
				return nil, err
			}
			for _, r := range rels {
				for _, nb := range []string{r.SourceID, r.TargetID} {
					if !visited[nb] {
						visited[nb] = true
						next = append(next, nb)
					}
				}
			}
		}
		found = append(found, next...)
		frontier = next
	}
	sort.Strings(found)
	return s.loadNodes(ctx, found)
}

func (s *RedisStore) UpdateNode(ctx context.Context, id string, upd NodeUpdate) error {
	key := s.nodeKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		var n Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if upd.Content != nil {
			n.Content = *upd.Content
		}
		n.Metadata = mergeMetadata(n.Metadata, upd.Metadata)
		n.UpdatedAt = s.now()
		updated, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) DeleteNode(ctx context.Context, id string) error {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}
	rels, err := s.edges(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, r := range rels {
			p.Del(ctx, s.relKey(r.ID), s.uniqueKey(r))
			p.SRem(ctx, s.outKey(r.SourceID), r.ID)
			p.SRem(ctx, s.inKey(r.TargetID), r.ID)
		}
		p.Del(ctx, s.nodeKey(id), s.outKey(id), s.inKey(id))
		p.ZRem(ctx, s.allKey(), id)
		p.ZRem(ctx, s.typeKey(n.Type), id)
		return nil
	})
	return err
}

// Close 客户端由调用方持有
func (s *RedisStore) Close() error { return nil }

var _ Store = (*RedisStore)(nil)
