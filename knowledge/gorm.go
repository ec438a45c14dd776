package knowledge

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/autoagent/internal/database"
	"github.com/BaSui01/autoagent/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// nodeRecord knowledge_nodes 表
type nodeRecord struct {
	ID        string         `gorm:"primaryKey;size:128"`
	Content   string         `gorm:"type:text"`
	Type      string         `gorm:"size:64;not null;index:idx_knowledge_nodes_type"`
	Metadata  map[string]any `gorm:"type:text;serializer:json"`
	CreatedAt time.Time      `gorm:"not null;autoCreateTime:false;index:idx_knowledge_nodes_created_at"`
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime:false;index:idx_knowledge_nodes_updated_at"`
}

func (nodeRecord) TableName() string { return "knowledge_nodes" }

// relationshipRecord knowledge_relationships 表
type relationshipRecord struct {
	ID         string         `gorm:"primaryKey;size:128"`
	SourceID   string         `gorm:"size:128;not null;uniqueIndex:idx_knowledge_rel_unique,priority:1"`
	TargetID   string         `gorm:"size:128;not null;uniqueIndex:idx_knowledge_rel_unique,priority:2;index:idx_knowledge_rel_target"`
	Type       string         `gorm:"size:64;not null;uniqueIndex:idx_knowledge_rel_unique,priority:3"`
	Properties map[string]any `gorm:"type:text;serializer:json"`
	CreatedAt  time.Time      `gorm:"not null;autoCreateTime:false"`
}

func (relationshipRecord) TableName() string { return "knowledge_relationships" }

func (r *nodeRecord) toNode() *Node {
	return &Node{
		ID:        r.ID,
		Content:   r.Content,
		Type:      r.Type,
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// GormStore 基于关系型数据库（PostgreSQL/MySQL/SQLite）的知识图谱
type GormStore struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewGormStore 创建数据库存储；表结构由 migration 包维护
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "knowledge_gorm")),
	}
}

// AutoMigrate 直接按模型建表，供测试和 SQLite 本地模式使用
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&nodeRecord{}, &relationshipRecord{})
}

func (s *GormStore) CreateNode(ctx context.Context, in NodeInput) (string, error) {
	node, err := prepareNode(in, s.now())
	if err != nil {
		return "", err
	}
	rec := nodeRecord{
		ID:        node.ID,
		Content:   node.Content,
		Type:      node.Type,
		Metadata:  node.Metadata,
		CreatedAt: node.CreatedAt,
		UpdatedAt: node.UpdatedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return "", classify(res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Debug("node already exists", zap.String("id", node.ID))
	}
	return node.ID, nil
}

func (s *GormStore) CreateRelationship(ctx context.Context, in RelationshipInput) (string, error) {
	if err := validateRelationship(in); err != nil {
		return "", err
	}

	var relID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range []string{in.SourceID, in.TargetID} {
			var n int64
			if err := tx.Model(&nodeRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return notFound(id)
			}
		}

		rec := relationshipRecord{
			ID:         NewID(),
			SourceID:   in.SourceID,
			TargetID:   in.TargetID,
			Type:       in.Type,
			Properties: in.Properties,
			CreatedAt:  s.now(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			relID = rec.ID
			return nil
		}

		var existing relationshipRecord
		if err := tx.Where("source_id = ? AND target_id = ? AND type = ?", in.SourceID, in.TargetID, in.Type).
			First(&existing).Error; err != nil {
			return err
		}
		relID = existing.ID
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	return relID, nil
}

func (s *GormStore) NodeExists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&nodeRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (s *GormStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var rec nodeRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return rec.toNode(), nil
}

func (s *GormStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	q := s.db.WithContext(ctx).Model(&nodeRecord{})
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var recs []nodeRecord
	if err := q.Order("created_at DESC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toNode())
	}
	return out, nil
}

func (s *GormStore) GetRelated(ctx context.Context, id string, depth int) ([]*Node, error) {
	depth = clampDepth(depth)
	db := s.db.WithContext(ctx)

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
		var rels []relationshipRecord
		if err := db.Where("source_id IN ? OR target_id IN ?", frontier, frontier).Find(&rels).Error; err != nil {
			return nil, err
		}
		var next []string
		for _, r := range rels {
			for _, nb := range []string{r.SourceID, r.TargetID} {
				if !visited[nb] {
					visited[nb] = true
					next = append(next, nb)
				}
			}
		}
		found = append(found, next...)
		frontier = next
	}
	if len(found) == 0 {
		return []*Node{}, nil
	}

	var recs []nodeRecord
	if err := db.Where("id IN ?", found).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toNode())
	}
	return out, nil
}

func (s *GormStore) UpdateNode(ctx context.Context, id string, upd NodeUpdate) error {
	return classifyTx(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		var rec nodeRecord
		err := tx.Where("id = ?", id).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		if upd.Content != nil {
			rec.Content = *upd.Content
		}
		rec.Metadata = mergeMetadata(rec.Metadata, upd.Metadata)
		rec.UpdatedAt = s.now()
		return tx.Model(&rec).Select("content", "metadata", "updated_at").Updates(&rec).Error
	})
}

func (s *GormStore) DeleteNode(ctx context.Context, id string) error {
	return classifyTx(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Where("source_id = ? OR target_id = ?", id, id).Delete(&relationshipRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&nodeRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound(id)
		}
		return nil
	})
}

// classify 把死锁、连接中断等可重试的数据库错误标记为 TRANSIENT
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	if database.IsRetryableError(err) {
		return types.NewTransientError("knowledge database unavailable", err)
	}
	return err
}

func classifyTx(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return classify(db.Transaction(fn))
}

// Close 连接池由调用方持有，此处不关闭
func (s *GormStore) Close() error { return nil }

var _ Store = (*GormStore)(nil)
