// Package store opens the shared sqlite database used by the automation core.
//
// Each component owns its tables and applies its own schema through
// EnsureSchema; the store only provides the connection, transactions and the
// column codecs the components share.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle. The embedded *sql.DB is safe for concurrent use.
type DB struct {
	*sql.DB
	path string
}

// Open opens (or creates) the database at dbPath. Transactions are started
// with BEGIN IMMEDIATE so read-modify-write sequences serialize per database.
func Open(dbPath string) (*DB, error) {
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store db: %w", err)
	}
	return &DB{DB: db, path: dbPath}, nil
}

// Path returns the filesystem path of the database.
func (d *DB) Path() string { return d.path }

// EnsureSchema applies a component schema followed by best-effort migrations.
// Migrations are expected to fail harmlessly when already applied (e.g. a
// duplicate column), so their errors are ignored.
func (d *DB) EnsureSchema(schema string, migrations ...string) error {
	if _, err := d.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	for _, m := range migrations {
		_, _ = d.Exec(m)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Millis encodes t as unix milliseconds. The zero time encodes as 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis decodes unix milliseconds; 0 decodes to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// NullMillis encodes an optional timestamp as a nullable column value.
func NullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// TimePtr decodes a nullable millisecond column.
func TimePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return nil
	}
	t := FromMillis(ms.Int64)
	return &t
}

// MarshalJSON encodes v for a TEXT column. nil encodes as "null".
func MarshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

// UnmarshalJSON decodes a TEXT column into dst. Empty strings are ignored.
func UnmarshalJSON(s string, dst any) error {
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}
