package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvester/internal/domain/record"
)

func doc(collection, key, username string) record.Document {
	r := record.New("username", "comment")
	r.Set("username", record.Present(username))
	return record.Document{Key: key, Collection: collection, Record: r, Provenance: record.Provenance{RunID: "r1"}}
}

func open(t *testing.T, path string) *DocumentStore {
	t.Helper()
	s, err := Open(context.Background(), path, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDocumentStore_InsertOrIgnore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, ":memory:")

	batch := []record.Document{
		doc("comments", "text:alice", "alice"),
		doc("comments", "text:bob", "bob"),
		doc("comments", "text:alice", "alice again"),
		doc("leads", "text:alice", "alice"),
	}
	res, err := s.InsertMany(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)

	res, err = s.InsertMany(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 4, res.Duplicates)

	n, err := s.Count(ctx, "comments")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fields, err := s.Fields(ctx, "comments", "text:alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"username": "alice", "comment": record.MissingSentinel}, fields)

	fields, err = s.Fields(ctx, "comments", "text:nobody")
	require.NoError(t, err)
	assert.Nil(t, fields)
}

func TestDocumentStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "harvest.db")

	s, err := Open(ctx, path, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	_, err = s.InsertMany(ctx, []record.Document{doc("comments", "id:1", "a")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := open(t, path)
	res, err := reopened.InsertMany(ctx, []record.Document{doc("comments", "id:1", "a"), doc("comments", "id:2", "b")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
}

func TestDocumentStore_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := open(t, ":memory:").InsertMany(ctx, []record.Document{doc("comments", "id:1", "a")})
	require.Error(t, err)
}
