// Package sqlite provides the durable storage.Backend on a single SQLite
// database file. Atomicity across collections comes for free from SQLite
// transactions; declared secondary indexes become expression indexes over
// the JSON payload.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peerkeep/peerkeep/internal/storage"
	"github.com/peerkeep/peerkeep/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_updated
ON documents(collection, updated_at);
`

type Backend struct {
	db   *sql.DB
	path string
}

// Open creates (if needed) and opens the database at path and ensures the
// schema, WAL mode, and one expression index per declared collection index.
func Open(ctx context.Context, path string) (*Backend, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", model.ErrStorageConnection)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", model.ErrStorageConnection, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", model.ErrStorageConnection, err)
	}
	b := &Backend{db: db, path: path}
	if err := b.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("%w: enable wal: %v", model.ErrStorageConnection, err)
	}
	if _, err := b.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("%w: set busy timeout: %v", model.ErrStorageConnection, err)
	}
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: init schema: %v", model.ErrStorageConnection, err)
	}
	for _, spec := range model.Collections() {
		for _, field := range spec.Indexes {
			stmt := fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_%s ON documents(json_extract(payload, '$.%s')) WHERE collection = '%s';`,
				spec.Name, field, field, spec.Name,
			)
			if _, err := b.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: create index %s.%s: %v", model.ErrStorageConnection, spec.Name, field, err)
			}
		}
	}
	return nil
}

func (b *Backend) Begin(ctx context.Context, collections []string, mode storage.Mode) (storage.Tx, error) {
	for _, c := range collections {
		if _, ok := model.Spec(c); !ok {
			return nil, model.ErrUnknownCollection
		}
	}
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", model.ErrStorageConnection, err)
	}
	scope := make(map[string]bool, len(collections))
	for _, c := range collections {
		scope[c] = true
	}
	return &tx{sql: sqlTx, scope: scope, mode: mode}, nil
}

// SizeBytes reports the database file footprint including the WAL.
func (b *Backend) SizeBytes(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range []string{b.path, b.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total, nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.db.Close()
}

type tx struct {
	sql   *sql.Tx
	scope map[string]bool
	mode  storage.Mode
}

func (t *tx) check(collection string, write bool) error {
	if !t.scope[collection] {
		return model.ErrUnknownCollection
	}
	if write && t.mode != storage.ReadWrite {
		return model.ErrTransactionAborted
	}
	return nil
}

func (t *tx) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	if err := t.check(collection, false); err != nil {
		return nil, err
	}
	row := t.sql.QueryRowContext(ctx, `
		SELECT collection, id, created_at, updated_at, schema_version, deleted, payload
		FROM documents WHERE collection = ? AND id = ?
	`, collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return doc, err
}

func (t *tx) GetAll(ctx context.Context, collection string) ([]*storage.Document, error) {
	if err := t.check(collection, false); err != nil {
		return nil, err
	}
	return t.queryDocs(ctx, `
		SELECT collection, id, created_at, updated_at, schema_version, deleted, payload
		FROM documents WHERE collection = ? ORDER BY id
	`, collection)
}

func (t *tx) Put(ctx context.Context, doc *storage.Document) error {
	if err := t.check(doc.Collection, true); err != nil {
		return err
	}
	payload, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = t.sql.ExecContext(ctx, `
		INSERT INTO documents (collection, id, created_at, updated_at, schema_version, deleted, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			schema_version = excluded.schema_version,
			deleted = excluded.deleted,
			payload = excluded.payload
	`, doc.Collection, doc.Id,
		doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		doc.SchemaVersion, boolToInt(doc.Deleted), string(payload))
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func (t *tx) HardDelete(ctx context.Context, collection, id string) error {
	if err := t.check(collection, true); err != nil {
		return err
	}
	_, err := t.sql.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	return mapErr(err)
}

func (t *tx) QueryByIndex(ctx context.Context, collection, field string, value any) ([]*storage.Document, error) {
	if err := t.check(collection, false); err != nil {
		return nil, err
	}
	return t.queryDocs(ctx, `
		SELECT collection, id, created_at, updated_at, schema_version, deleted, payload
		FROM documents WHERE collection = ? AND json_extract(payload, ?) = ?
		ORDER BY id
	`, collection, "$."+field, value)
}

func (t *tx) Commit() error {
	return mapErr(t.sql.Commit())
}

func (t *tx) Rollback() error {
	return t.sql.Rollback()
}

func (t *tx) queryDocs(ctx context.Context, query string, args ...any) ([]*storage.Document, error) {
	rows, err := t.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	docs := make([]*storage.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*storage.Document, error) {
	var (
		doc       storage.Document
		createdAt string
		updatedAt string
		deleted   int
		payload   string
	)
	if err := row.Scan(&doc.Collection, &doc.Id, &createdAt, &updatedAt, &doc.SchemaVersion, &deleted, &payload); err != nil {
		return nil, err
	}
	var err error
	if doc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if doc.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	doc.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(payload), &doc.Data); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &doc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// mapErr translates driver errors into the engine taxonomy. SQLite reports
// exhaustion as "database or disk is full" (SQLITE_FULL).
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "database or disk is full") {
		return fmt.Errorf("%w: %v", model.ErrQuotaExceeded, err)
	}
	return err
}
