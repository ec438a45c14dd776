package knowledge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/autoagent/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// tickClock 每次调用前进一秒，保证创建时间有序
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickClock() *tickClock {
	return &tickClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type storeFactory func(t *testing.T, clock func() time.Time) Store

func newMemoryForTest(t *testing.T, clock func() time.Time) Store {
	s := NewMemoryStore(zap.NewNop())
	s.now = clock
	return s
}

func newGormForTest(t *testing.T, clock func() time.Time) Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))

	s := NewGormStore(db, zap.NewNop())
	s.now = clock
	return s
}

func newRedisForTest(t *testing.T, clock func() time.Time) Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, "test:", zap.NewNop())
	s.now = clock
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	factories := map[string]storeFactory{
		"memory": newMemoryForTest,
		"gorm":   newGormForTest,
		"redis":  newRedisForTest,
	}
	for name, f := range factories {
		t.Run(name, func(t *testing.T) {
			s := f(t, newTickClock().Now)
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestStore_CreateAndGetNode(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateNode(ctx, NodeInput{
			Content:  "hello",
			Type:     NodeTypeKnowledge,
			Metadata: map[string]any{"source": "unit", MetaCreatedAt: "forged"},
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		n, err := s.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "hello", n.Content)
		assert.Equal(t, NodeTypeKnowledge, n.Type)
		assert.Equal(t, "unit", n.Metadata["source"])
		assert.NotContains(t, n.Metadata, MetaCreatedAt)
		assert.False(t, n.CreatedAt.IsZero())

		ok, err := s.NodeExists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.NodeExists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.GetNode(ctx, "missing")
		assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	})
}

func TestStore_CreateNodeIdempotentOnSuppliedID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, err := s.CreateNode(ctx, NodeInput{ID: "step-1", Content: "first", Type: "summary"})
		require.NoError(t, err)
		second, err := s.CreateNode(ctx, NodeInput{ID: "step-1", Content: "second", Type: "summary"})
		require.NoError(t, err)
		assert.Equal(t, first, second)

		n, err := s.GetNode(ctx, "step-1")
		require.NoError(t, err)
		assert.Equal(t, "first", n.Content)

		nodes, err := s.ListNodes(ctx, NodeFilter{Type: "summary"})
		require.NoError(t, err)
		assert.Len(t, nodes, 1)
	})
}

func TestStore_CreateNodeValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.CreateNode(context.Background(), NodeInput{Content: "x"})
		assert.True(t, types.IsErrorCode(err, types.ErrValidation))

		_, err = s.CreateNode(context.Background(), NodeInput{ID: " padded ", Type: "t"})
		assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	})
}

func TestStore_Relationships(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b"} {
			_, err := s.CreateNode(ctx, NodeInput{ID: id, Type: "t"})
			require.NoError(t, err)
		}

		_, err := s.CreateRelationship(ctx, RelationshipInput{SourceID: "a", TargetID: "zz", Type: "mentions"})
		assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

		_, err = s.CreateRelationship(ctx, RelationshipInput{SourceID: "a", TargetID: "b"})
		assert.True(t, types.IsErrorCode(err, types.ErrValidation))

		r1, err := s.CreateRelationship(ctx, RelationshipInput{SourceID: "a", TargetID: "b", Type: "mentions"})
		require.NoError(t, err)
		r2, err := s.CreateRelationship(ctx, RelationshipInput{SourceID: "a", TargetID: "b", Type: "mentions"})
		require.NoError(t, err)
		assert.Equal(t, r1, r2)

		r3, err := s.CreateRelationship(ctx, RelationshipInput{SourceID: "a", TargetID: "b", Type: "cites"})
		require.NoError(t, err)
		assert.NotEqual(t, r1, r3)
	})
}

func nodeIDs(nodes []*Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestStore_GetRelated(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c", "d"} {
			_, err := s.CreateNode(ctx, NodeInput{ID: id, Type: "t"})
			require.NoError(t, err)
		}
		// a -> b -> c <- d
		for _, e := range [][2]string{{"a", "b"}, {"b", "c"}, {"d", "c"}} {
			_, err := s.CreateRelationship(ctx, RelationshipInput{SourceID: e[0], TargetID: e[1], Type: "next"})
			require.NoError(t, err)
		}

		related, err := s.GetRelated(ctx, "a", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, nodeIDs(related))

		related, err = s.GetRelated(ctx, "a", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, nodeIDs(related))

		related, err = s.GetRelated(ctx, "c", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d"}, nodeIDs(related))

		related, err = s.GetRelated(ctx, "a", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, nodeIDs(related))

		related, err = s.GetRelated(ctx, "a", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "d"}, nodeIDs(related))

		_, err = s.GetRelated(ctx, "missing", 1)
		assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	})
}

func TestStore_ListNodes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, in := range []NodeInput{
			{ID: "n1", Type: NodeTypeWorkflow},
			{ID: "n2", Type: NodeTypeKnowledge},
			{ID: "n3", Type: NodeTypeWorkflow},
		} {
			_, err := s.CreateNode(ctx, in)
			require.NoError(t, err)
		}

		all, err := s.ListNodes(ctx, NodeFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"n3", "n2", "n1"}, nodeIDs(all))

		wf, err := s.ListNodes(ctx, NodeFilter{Type: NodeTypeWorkflow})
		require.NoError(t, err)
		assert.Equal(t, []string{"n3", "n1"}, nodeIDs(wf))

		limited, err := s.ListNodes(ctx, NodeFilter{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"n3"}, nodeIDs(limited))

		none, err := s.ListNodes(ctx, NodeFilter{Type: "unknown"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestStore_UpdateNode(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateNode(ctx, NodeInput{
			ID: "u", Content: "v1", Type: "t",
			Metadata: map[string]any{"keep": "yes", "over": "old"},
		})
		require.NoError(t, err)
		before, err := s.GetNode(ctx, "u")
		require.NoError(t, err)

		content := "v2"
		require.NoError(t, s.UpdateNode(ctx, "u", NodeUpdate{
			Content:  &content,
			Metadata: map[string]any{"over": "new", MetaUpdatedAt: "forged"},
		}))

		after, err := s.GetNode(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, "v2", after.Content)
		assert.Equal(t, "yes", after.Metadata["keep"])
		assert.Equal(t, "new", after.Metadata["over"])
		assert.NotContains(t, after.Metadata, MetaUpdatedAt)
		assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
		assert.True(t, after.CreatedAt.Equal(before.CreatedAt))

		err = s.UpdateNode(ctx, "missing", NodeUpdate{Content: &content})
		assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	})
}

func TestStore_DeleteNodeCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			_, err := s.CreateNode(ctx, NodeInput{ID: id, Type: "t"})
			require.NoError(t, err)
		}
		_, err := s.CreateRelationship(ctx, RelationshipInput{SourceID: "a", TargetID: "b", Type: "r"})
		require.NoError(t, err)
		_, err = s.CreateRelationship(ctx, RelationshipInput{SourceID: "c", TargetID: "b", Type: "r"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteNode(ctx, "b"))

		ok, err := s.NodeExists(ctx, "b")
		require.NoError(t, err)
		assert.False(t, ok)

		related, err := s.GetRelated(ctx, "a", 3)
		require.NoError(t, err)
		assert.Empty(t, related)

		err = s.DeleteNode(ctx, "b")
		assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

		// 唯一约束随关系一起释放
		_, err = s.CreateNode(ctx, NodeInput{ID: "b", Type: "t"})
		require.NoError(t, err)
		_, err = s.CreateRelationship(ctx, RelationshipInput{SourceID: "a", TargetID: "b", Type: "r"})
		require.NoError(t, err)
		related, err = s.GetRelated(ctx, "a", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, nodeIDs(related))
	})
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	_, _ = s.CreateNode(ctx, NodeInput{ID: "x", Type: "t"})
	_, _ = s.CreateNode(ctx, NodeInput{ID: "y", Type: "t"})
	_, err := s.CreateRelationship(ctx, RelationshipInput{SourceID: "x", TargetID: "y", Type: "r"})
	require.NoError(t, err)

	nodes, rels := s.Stats()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, rels)
	assert.Len(t, s.Relationships("x"), 1)
	assert.Empty(t, s.Relationships("y"))
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CreateNode(ctx, NodeInput{Type: "t"})
	assert.ErrorIs(t, err, context.Canceled)
}
