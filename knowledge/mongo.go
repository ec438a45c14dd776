package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

const (
	colNodes         = "knowledge_nodes"
	colRelationships = "knowledge_relationships"
)

type nodeDoc struct {
	ID        string         `bson:"_id"`
	Content   string         `bson:"content"`
	Type      string         `bson:"type"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

type relationshipDoc struct {
	ID         string         `bson:"_id"`
	SourceID   string         `bson:"source_id"`
	TargetID   string         `bson:"target_id"`
	Type       string         `bson:"type"`
	Properties map[string]any `bson:"properties,omitempty"`
	CreatedAt  time.Time      `bson:"created_at"`
}

func (d *nodeDoc) toNode() *Node {
	return &Node{
		ID:        d.ID,
		Content:   d.Content,
		Type:      d.Type,
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func toNodeDoc(n *Node) *nodeDoc {
	return &nodeDoc{
		ID:        n.ID,
		Content:   n.Content,
		Type:      n.Type,
		Metadata:  n.Metadata,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

// MongoStore 基于 MongoDB 的知识图谱
type MongoStore struct {
	client *mongo.Client
	nodes  *mongo.Collection
	rels   *mongo.Collection
	// ownsClient 为 true 时 Close 断开连接
	ownsClient bool
	now        func() time.Time
	logger     *zap.Logger
}

// ConnectMongo 连接 MongoDB 并确保索引存在
func ConnectMongo(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	s := NewMongoStore(client, database, logger)
	s.ownsClient = true
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewMongoStore 使用已有客户端创建存储
func NewMongoStore(client *mongo.Client, database string, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := client.Database(database)
	return &MongoStore{
		client: client,
		nodes:  db.Collection(colNodes),
		rels:   db.Collection(colRelationships),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "knowledge_mongo")),
	}
}

func indexModels() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colNodes: {
			{Keys: bson.D{{Key: "type", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		},
		colRelationships: {
			{
				Keys: bson.D{
					{Key: "source_id", Value: 1},
					{Key: "target_id", Value: 1},
					{Key: "type", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "target_id", Value: 1}}},
		},
	}
}

// EnsureIndexes 创建查询索引与关系唯一约束
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	cols := map[string]*mongo.Collection{colNodes: s.nodes, colRelationships: s.rels}
	for name, models := range indexModels() {
		if _, err := cols[name].Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", name, err)
		}
	}
	return nil
}

func (s *MongoStore) CreateNode(ctx context.Context, in NodeInput) (string, error) {
	node, err := prepareNode(in, s.now())
	if err != nil {
		return "", err
	}
	_, err = s.nodes.InsertOne(ctx, toNodeDoc(node))
	if mongo.IsDuplicateKeyError(err) {
		s.logger.Debug("node already exists", zap.String("id", node.ID))
		return node.ID, nil
	}
	if err != nil {
		return "", err
	}
	return node.ID, nil
}

func (s *MongoStore) CreateRelationship(ctx context.Context, in RelationshipInput) (string, error) {
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

	doc := &relationshipDoc{
		ID:         NewID(),
		SourceID:   in.SourceID,
		TargetID:   in.TargetID,
		Type:       in.Type,
		Properties: in.Properties,
		CreatedAt:  s.now(),
	}
	_, err := s.rels.InsertOne(ctx, doc)
	if err == nil {
		return doc.ID, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return "", err
	}

	var existing relationshipDoc
	filter := bson.M{"source_id": in.SourceID, "target_id": in.TargetID, "type": in.Type}
	if err := s.rels.FindOne(ctx, filter).Decode(&existing); err != nil {
		return "", err
	}
	return existing.ID, nil
}

func (s *MongoStore) NodeExists(ctx context.Context, id string) (bool, error) {
	n, err := s.nodes.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MongoStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var doc nodeDoc
	err := s.nodes.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return doc.toNode(), nil
}

func (s *MongoStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	q := bson.M{}
	if filter.Type != "" {
		q["type"] = filter.Type
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return s.findNodes(ctx, q, opts)
}

func (s *MongoStore) findNodes(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]*Node, error) {
	cur, err := s.nodes.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []nodeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toNode())
	}
	return out, nil
}

func (s *MongoStore) GetRelated(ctx context.Context, id string, depth int) ([]*Node, error) {
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
		cur, err := s.rels.Find(ctx, bson.M{"$or": bson.A{
			bson.M{"source_id": bson.M{"$in": frontier}},
			bson.M{"target_id": bson.M{"$in": frontier}},
		}})
		if err != nil {
			return nil, err
		}
		var rels []relationshipDoc
		if err := cur.All(ctx, &rels); err != nil {
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
	return s.findNodes(ctx, bson.M{"_id": bson.M{"$in": found}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

// updateDocument 构造 $set；元数据按键合并
func updateDocument(upd NodeUpdate, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	if upd.Content != nil {
		set["content"] = *upd.Content
	}
	for k, v := range cleanMetadata(upd.Metadata) {
		set["metadata."+k] = v
	}
	return bson.M{"$set": set}
}

func (s *MongoStore) UpdateNode(ctx context.Context, id string, upd NodeUpdate) error {
	res, err := s.nodes.UpdateOne(ctx, bson.M{"_id": id}, updateDocument(upd, s.now()))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(id)
	}
	return nil
}

func (s *MongoStore) DeleteNode(ctx context.Context, id string) error {
	res, err := s.nodes.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return notFound(id)
	}
	_, err = s.rels.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"source_id": id},
		bson.M{"target_id": id},
	}})
	return err
}

// Ping 检查 MongoDB 连接
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
