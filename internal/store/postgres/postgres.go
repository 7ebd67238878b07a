// Package postgres stores documents in a JSONB table on Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hray3182/titanbot/internal/database"
	"github.com/hray3182/titanbot/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db *database.DB
}

func New(db *database.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, collection, id string) (*store.Document, error) {
	doc := &store.Document{Collection: collection, ID: id}
	var data []byte
	err := s.db.Pool.QueryRow(ctx,
		`SELECT version, data, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&doc.Version, &data, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get "+collection+"/"+id, err)
	}
	doc.Data = data
	return doc, nil
}

func (s *Store) Put(ctx context.Context, collection, id string, data json.RawMessage, expectedVersion int64) (int64, error) {
	op := "put " + collection + "/" + id
	var version int64
	var err error

	switch {
	case expectedVersion == store.AnyVersion:
		err = s.db.Pool.QueryRow(ctx,
			`INSERT INTO documents (collection, id, version, data, updated_at)
			 VALUES ($1, $2, 1, $3::jsonb, NOW())
			 ON CONFLICT (collection, id) DO UPDATE
			 SET data = EXCLUDED.data, version = documents.version + 1, updated_at = NOW()
			 RETURNING version`,
			collection, id, string(data),
		).Scan(&version)
	case expectedVersion == store.MustNotExist:
		err = s.db.Pool.QueryRow(ctx,
			`INSERT INTO documents (collection, id, version, data, updated_at)
			 VALUES ($1, $2, 1, $3::jsonb, NOW())
			 ON CONFLICT (collection, id) DO NOTHING
			 RETURNING version`,
			collection, id, string(data),
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%s: already exists: %w", op, store.ErrVersionConflict)
		}
	case expectedVersion > 0:
		err = s.db.Pool.QueryRow(ctx,
			`UPDATE documents SET data = $3::jsonb, version = version + 1, updated_at = NOW()
			 WHERE collection = $1 AND id = $2 AND version = $4
			 RETURNING version`,
			collection, id, string(data), expectedVersion,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, s.missOrConflict(ctx, op, collection, id, expectedVersion)
		}
	default:
		return 0, fmt.Errorf("%s: invalid expected version %d", op, expectedVersion)
	}

	if err != nil {
		return 0, classify(op, err)
	}
	return version, nil
}

// missOrConflict tells apart "someone else wrote first" from "there is
// nothing to update" after a conditional update matched no row.
func (s *Store) missOrConflict(ctx context.Context, op, collection, id string, expected int64) error {
	var current int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT version FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	if err != nil {
		return classify(op, err)
	}
	return fmt.Errorf("%s: have version %d, expected %d: %w", op, current, expected, store.ErrVersionConflict)
}

func (s *Store) Scan(ctx context.Context, collection string, filter store.Filter) ([]*store.Document, error) {
	filterJSON, err := filter.JSON()
	if err != nil {
		return nil, fmt.Errorf("scan %s: encode filter: %w", collection, err)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, version, data, updated_at FROM documents
		 WHERE collection = $1 AND data @> $2::jsonb
		 ORDER BY id`,
		collection, string(filterJSON),
	)
	if err != nil {
		return nil, classify("scan "+collection, err)
	}
	defer rows.Close()

	var docs []*store.Document
	for rows.Next() {
		doc := &store.Document{Collection: collection}
		var data []byte
		if err := rows.Scan(&doc.ID, &doc.Version, &data, &doc.UpdatedAt); err != nil {
			return nil, classify("scan "+collection, err)
		}
		doc.Data = data
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan "+collection, err)
	}
	return docs, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.Pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return classify("delete "+collection+"/"+id, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// classify maps driver errors onto the store taxonomy. Anything that is not
// a server-side SQL error (network, pool exhaustion, timeouts) means the
// store could not be reached.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}
