// Package sqlite provides a single-file implementation of store.Store for
// local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/hray3182/titanbot/internal/store"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT    NOT NULL,
    id         TEXT    NOT NULL,
    version    INTEGER NOT NULL,
    data       TEXT    NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (collection, id)
);
`

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database file and applies the schema.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite is a single-writer engine; one connection keeps conditional
	// updates strictly serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*store.Document, error) {
	doc := &store.Document{Collection: collection, ID: id}
	var data string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data, updated_at FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&doc.Version, &data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get "+collection+"/"+id, err)
	}
	doc.Data = json.RawMessage(data)
	doc.UpdatedAt = time.UnixMilli(updated)
	return doc, nil
}

func (s *Store) Put(ctx context.Context, collection, id string, data json.RawMessage, expectedVersion int64) (int64, error) {
	op := "put " + collection + "/" + id
	if !json.Valid(data) {
		return 0, fmt.Errorf("%s: invalid json document", op)
	}
	now := time.Now().UnixMilli()
	var version int64
	var err error

	switch {
	case expectedVersion == store.AnyVersion:
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO documents (collection, id, version, data, updated_at) VALUES (?, ?, 1, ?, ?)
			 ON CONFLICT (collection, id) DO UPDATE
			 SET data = excluded.data, version = documents.version + 1, updated_at = excluded.updated_at
			 RETURNING version`,
			collection, id, string(data), now,
		).Scan(&version)
	case expectedVersion == store.MustNotExist:
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO documents (collection, id, version, data, updated_at) VALUES (?, ?, 1, ?, ?)
			 ON CONFLICT (collection, id) DO NOTHING
			 RETURNING version`,
			collection, id, string(data), now,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%s: already exists: %w", op, store.ErrVersionConflict)
		}
	case expectedVersion > 0:
		err = s.db.QueryRowContext(ctx,
			`UPDATE documents SET data = ?, version = version + 1, updated_at = ?
			 WHERE collection = ? AND id = ? AND version = ?
			 RETURNING version`,
			string(data), now, collection, id, expectedVersion,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, s.missOrConflict(ctx, op, collection, id, expectedVersion)
		}
	default:
		return 0, fmt.Errorf("%s: invalid expected version %d", op, expectedVersion)
	}

	if err != nil {
		return 0, unavailable(op, err)
	}
	return version, nil
}

func (s *Store) missOrConflict(ctx context.Context, op, collection, id string, expected int64) error {
	var current int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	if err != nil {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: have version %d, expected %d: %w", op, current, expected, store.ErrVersionConflict)
}

// Scan filters in Go: collections hold tens of documents, and comparing
// decoded JSON avoids SQLite's integer encoding of JSON booleans.
func (s *Store) Scan(ctx context.Context, collection string, filter store.Filter) ([]*store.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, data, updated_at FROM documents WHERE collection = ? ORDER BY id`,
		collection,
	)
	if err != nil {
		return nil, unavailable("scan "+collection, err)
	}
	defer rows.Close()

	var docs []*store.Document
	for rows.Next() {
		doc := &store.Document{Collection: collection}
		var data string
		var updated int64
		if err := rows.Scan(&doc.ID, &doc.Version, &data, &updated); err != nil {
			return nil, unavailable("scan "+collection, err)
		}
		doc.Data = json.RawMessage(data)
		doc.UpdatedAt = time.UnixMilli(updated)

		ok, err := filter.Matches(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("scan %s: document %s: %w", collection, doc.ID, err)
		}
		if ok {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan "+collection, err)
	}
	return docs, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	); err != nil {
		return unavailable("delete "+collection+"/"+id, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}
