// Package postgres persists harvested documents and the run checkpoint in
// PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/sink"
	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/internal/infra/storage"
)

const insertDocument = `
INSERT INTO documents (collection, dedup_key, fields, provenance)
VALUES ($1, $2, $3, $4)
ON CONFLICT (collection, dedup_key) DO NOTHING`

var _ sink.DocumentStore = (*documentStore)(nil)

// documentStore writes documents with upsert-ignore semantics: a document
// whose (collection, dedup_key) already exists counts as a duplicate.
type documentStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewDocumentStore creates a Postgres-backed document store.
func NewDocumentStore(pool *pgxpool.Pool, tracer trace.Tracer) *documentStore {
	return &documentStore{pool: pool, tracer: tracer}
}

type row struct {
	doc        record.Document
	fields     []byte
	provenance []byte
}

// InsertMany implements sink.DocumentStore. The batch is sent in one round
// trip. If the server rejects a statement the batch is rolled back as a
// whole, so it is replayed row by row to isolate the offending documents.
// Connection-level failures fail the whole call.
func (s *documentStore) InsertMany(ctx context.Context, docs []record.Document) (sink.InsertResult, error) {
	var res sink.InsertResult
	attrs := append(storage.DefaultDBAttributes, attribute.Int("batch_size", len(docs)))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_documents", attrs, func(ctx context.Context) error {
		rows := make([]row, 0, len(docs))
		for _, d := range docs {
			r, err := encode(d)
			if err != nil {
				res.Failed = append(res.Failed, sink.DocumentFailure{Key: d.Key, Err: err})
				continue
			}
			rows = append(rows, r)
		}
		if len(rows) == 0 {
			return nil
		}

		batchRes, err := s.sendBatch(ctx, rows)
		if err == nil {
			res.Add(batchRes)
			return nil
		}

		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return fmt.Errorf("insert documents: %w", err)
		}

		for _, r := range rows {
			tag, err := s.pool.Exec(ctx, insertDocument, r.doc.Collection, r.doc.Key, r.fields, r.provenance)
			switch {
			case err != nil && errors.As(err, &pgErr):
				res.Failed = append(res.Failed, sink.DocumentFailure{Key: r.doc.Key, Err: err})
			case err != nil:
				return fmt.Errorf("insert document %s: %w", r.doc.Key, err)
			case tag.RowsAffected() == 0:
				res.Duplicates++
			default:
				res.Inserted++
			}
		}
		return nil
	})
	return res, err
}

func (s *documentStore) sendBatch(ctx context.Context, rows []row) (sink.InsertResult, error) {
	var res sink.InsertResult

	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(insertDocument, r.doc.Collection, r.doc.Key, r.fields, r.provenance)
	}

	br := s.pool.SendBatch(ctx, b)
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return sink.InsertResult{}, err
		}
		if tag.RowsAffected() == 0 {
			res.Duplicates++
		} else {
			res.Inserted++
		}
	}
	if err := br.Close(); err != nil {
		return sink.InsertResult{}, err
	}
	return res, nil
}

func encode(d record.Document) (row, error) {
	fields, err := json.Marshal(d.Record.Map())
	if err != nil {
		return row{}, fmt.Errorf("encode fields: %w", err)
	}
	prov, err := json.Marshal(d.Provenance)
	if err != nil {
		return row{}, fmt.Errorf("encode provenance: %w", err)
	}
	return row{doc: d, fields: fields, provenance: prov}, nil
}

// CountDocuments returns how many documents a collection holds.
func (s *documentStore) CountDocuments(ctx context.Context, collection string) (int, error) {
	var n int
	attrs := append(storage.DefaultDBAttributes, attribute.String("collection", collection))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.count_documents", attrs, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE collection = $1`, collection).Scan(&n)
	})
	return n, err
}
