package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/flotilla-ai/flotilla/internal/core"
)

// SQLiteKV persists the cross-agent memory across coordinator restarts.
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLiteKV opens or creates the database at path and applies the
// schema. WAL mode keeps concurrent readers off the writer's back.
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.ErrIO("KV_OPEN", "opening sqlite database").WithCause(err)
	}
	// modernc's driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, core.ErrIO("KV_PRAGMA", fmt.Sprintf("applying %q", p)).WithCause(err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     BLOB NOT NULL,
		PRIMARY KEY (namespace, key)
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, core.ErrIO("KV_SCHEMA", "creating kv table").WithCause(err)
	}
	return &SQLiteKV{db: db}, nil
}

// Put inserts or replaces a value.
func (s *SQLiteKV) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	if err != nil {
		return core.ErrIO("KV_PUT", "writing kv entry").WithCause(err)
	}
	return nil
}

// Get retrieves a value.
func (s *SQLiteKV) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.ErrIO("KV_GET", "reading kv entry").WithCause(err)
	}
	return value, true, nil
}

// Delete removes a value.
func (s *SQLiteKV) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return core.ErrIO("KV_DELETE", "deleting kv entry").WithCause(err)
	}
	return nil
}

// List returns every entry in a namespace.
func (s *SQLiteKV) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, core.ErrIO("KV_LIST", "listing kv namespace").WithCause(err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, core.ErrIO("KV_LIST", "scanning kv row").WithCause(err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, core.ErrIO("KV_LIST", "iterating kv rows").WithCause(err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
