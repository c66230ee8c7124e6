package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/harvester/internal/domain/grid"
	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/internal/infra/storage"
)

func doc(collection, key string, fields map[string]string) record.Document {
	r := record.New("username", "comment")
	for k, v := range fields {
		r.Set(k, record.Present(v))
	}
	return record.Document{
		Key:        key,
		Collection: collection,
		Record:     r,
		Provenance: record.Provenance{
			RunID:     "run-1",
			Source:    "api",
			Dim1:      "A",
			Dim2:      "x",
			FetchedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestDocumentStore_InsertManyIsIdempotent(t *testing.T) {
	t.Parallel()

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewDocumentStore(pool, storage.NoOpTracer())

	batch := []record.Document{
		doc("comments", "text:alice", map[string]string{"username": "alice"}),
		doc("comments", "text:bob", map[string]string{"username": "bob", "comment": "好"}),
		doc("comments", "text:alice", map[string]string{"username": "alice"}),
		doc("leads", "text:alice", map[string]string{"username": "alice"}),
	}

	res, err := store.InsertMany(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Empty(t, res.Failed)

	res, err = store.InsertMany(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 4, res.Duplicates)

	n, err := store.CountDocuments(ctx, "comments")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var comment, username, runID string
	err = pool.QueryRow(ctx, `
		SELECT fields ->> 'comment', fields ->> 'username', provenance ->> 'run_id'
		FROM documents WHERE collection = 'comments' AND dedup_key = 'text:bob'`,
	).Scan(&comment, &username, &runID)
	require.NoError(t, err)
	assert.Equal(t, "好", comment)
	assert.Equal(t, "bob", username)
	assert.Equal(t, "run-1", runID)
}

func TestDocumentStore_BadRowIsIsolated(t *testing.T) {
	t.Parallel()

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewDocumentStore(pool, storage.NoOpTracer())

	// Postgres rejects NUL bytes in text, failing only that statement.
	batch := []record.Document{
		doc("comments", "text:ok-1", map[string]string{"username": "ok-1"}),
		doc("comments", "text:bad\x00key", map[string]string{"username": "bad"}),
		doc("comments", "text:ok-2", map[string]string{"username": "ok-2"}),
	}

	res, err := store.InsertMany(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "text:bad\x00key", res.Failed[0].Key)
}

func TestDocumentStore_CancelledContextFailsWholeBatch(t *testing.T) {
	t.Parallel()

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDocumentStore(pool, storage.NoOpTracer()).
		InsertMany(ctx, []record.Document{doc("comments", "text:x", nil)})
	require.Error(t, err)
}

func TestCheckpointStore_Lifecycle(t *testing.T) {
	t.Parallel()

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	a := NewCheckpointStore(pool, "comments", storage.NoOpTracer())
	b := NewCheckpointStore(pool, "leads", storage.NoOpTracer())

	cp, err := a.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)

	for i := range 3 {
		require.NoError(t, a.Save(ctx, grid.NewCheckpoint(grid.Coordinate{Dim1: 1, Dim2: i})), fmt.Sprint(i))
	}
	require.NoError(t, b.Save(ctx, grid.NewCheckpoint(grid.Coordinate{Dim1: 4, Dim2: 0})))

	cp, err = a.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, grid.Coordinate{Dim1: 1, Dim2: 2}, cp.Coordinate())
	assert.False(t, cp.UpdatedAt().IsZero())

	require.NoError(t, a.Delete(ctx))
	require.NoError(t, a.Delete(ctx))

	cp, err = a.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)

	cp, err = b.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, grid.Coordinate{Dim1: 4, Dim2: 0}, cp.Coordinate())
}
