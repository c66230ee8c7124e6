// Package sqlite is a single-file document store for local harvests that do
// not warrant a database server.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/ahrav/harvester/internal/app/sink"
	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/internal/infra/storage"
)

//go:embed schema.sql
var schema string

var _ sink.DocumentStore = (*DocumentStore)(nil)

// DocumentStore writes documents with INSERT OR IGNORE so a repeated natural
// key is a duplicate rather than an error.
type DocumentStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, tracer trace.Tracer) (*DocumentStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &DocumentStore{db: db, tracer: tracer}, nil
}

// Close releases the database.
func (s *DocumentStore) Close() error { return s.db.Close() }

// InsertMany implements sink.DocumentStore. The batch runs in one
// transaction; a statement that fails marks only its document.
func (s *DocumentStore) InsertMany(ctx context.Context, docs []record.Document) (sink.InsertResult, error) {
	var res sink.InsertResult
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "sqlite"),
		attribute.Int("batch_size", len(docs)),
	}

	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.insert_documents", attrs, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO documents (collection, dedup_key, fields, provenance) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		var batch sink.InsertResult
		for _, d := range docs {
			fields, err := json.Marshal(d.Record.Map())
			if err != nil {
				batch.Failed = append(batch.Failed, sink.DocumentFailure{Key: d.Key, Err: err})
				continue
			}
			prov, err := json.Marshal(d.Provenance)
			if err != nil {
				batch.Failed = append(batch.Failed, sink.DocumentFailure{Key: d.Key, Err: err})
				continue
			}

			r, err := stmt.ExecContext(ctx, d.Collection, d.Key, string(fields), string(prov))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				batch.Failed = append(batch.Failed, sink.DocumentFailure{Key: d.Key, Err: err})
				continue
			}
			if n, _ := r.RowsAffected(); n == 0 {
				batch.Duplicates++
			} else {
				batch.Inserted++
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		res = batch
		return nil
	})
	return res, err
}

// Count returns the number of documents in collection.
func (s *DocumentStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

// Fields returns the stored fields of one document, or nil if absent.
func (s *DocumentStore) Fields(ctx context.Context, collection, key string) (map[string]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection = ? AND dedup_key = ?`, collection, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
