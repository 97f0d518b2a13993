package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.
)

const backendSQLite = "sqlite"

// SQLite is a KV backed by a single SQLite table shared by all origins.
type SQLite struct {
	db       *sql.DB
	origin   string
	quota    int
	disabled bool
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path, origin string, opts ...Option) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, newError(backendSQLite, OpOpen, "", ErrUnavailable, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, newError(backendSQLite, OpOpen, "", ErrUnavailable, err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:" stable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(ctx, db); err != nil {
		// Best-effort close on migration failure.
		_ = db.Close()
		return nil, newError(backendSQLite, OpOpen, "", ErrUnavailable, err)
	}
	s := applyOptions(opts)
	return &SQLite{db: db, origin: origin, quota: s.quota, disabled: s.disabled}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS kv (
			origin TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (origin, key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLite) unavailable(op, key string, err error) error {
	return newError(backendSQLite, op, key, ErrUnavailable, err)
}

// Get implements KV.
func (s *SQLite) Get(ctx context.Context, key string) (_ string, err error) {
	defer observe(backendSQLite, OpGet, time.Now(), &err)
	if s.disabled {
		return "", s.unavailable(OpGet, key, nil)
	}
	var value string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE origin = ? AND key = ?`, s.origin, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		err = newError(backendSQLite, OpGet, key, ErrNotFound, nil)
		return "", err
	}
	if err != nil {
		err = s.unavailable(OpGet, key, err)
		return "", err
	}
	return value, nil
}

// Set implements KV. The quota check and the upsert share one transaction.
func (s *SQLite) Set(ctx context.Context, key, value string) (err error) {
	defer observe(backendSQLite, OpSet, time.Now(), &err)
	if s.disabled {
		return s.unavailable(OpSet, key, nil)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		err = s.unavailable(OpSet, key, err)
		return err
	}
	defer func() {
		if err != nil {
			// Best-effort rollback.
			_ = tx.Rollback()
		}
	}()

	if s.quota > 0 {
		var used int
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(CAST(value AS BLOB))), 0)
			 FROM kv WHERE origin = ? AND key <> ?`, s.origin, key).Scan(&used)
		if err != nil {
			err = s.unavailable(OpSet, key, err)
			return err
		}
		if used+len(key)+len(value) > s.quota {
			err = newError(backendSQLite, OpSet, key, ErrQuotaExceeded, nil)
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (origin, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (origin, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.origin, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		err = s.unavailable(OpSet, key, err)
		return err
	}
	if err = tx.Commit(); err != nil {
		err = s.unavailable(OpSet, key, err)
		return err
	}
	return nil
}

// Remove implements KV.
func (s *SQLite) Remove(ctx context.Context, key string) (err error) {
	defer observe(backendSQLite, OpRemove, time.Now(), &err)
	if s.disabled {
		return s.unavailable(OpRemove, key, nil)
	}
	if _, err = s.db.ExecContext(ctx, `DELETE FROM kv WHERE origin = ? AND key = ?`, s.origin, key); err != nil {
		err = s.unavailable(OpRemove, key, err)
		return err
	}
	return nil
}

// Keys implements KV.
func (s *SQLite) Keys(ctx context.Context) (_ []string, err error) {
	defer observe(backendSQLite, OpKeys, time.Now(), &err)
	if s.disabled {
		return nil, s.unavailable(OpKeys, "", nil)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE origin = ? ORDER BY key ASC`, s.origin)
	if err != nil {
		err = s.unavailable(OpKeys, "", err)
		return nil, err
	}
	defer func() {
		// Best-effort rows close.
		_ = rows.Close()
	}()

	keys := []string{}
	for rows.Next() {
		var k string
		if err = rows.Scan(&k); err != nil {
			err = s.unavailable(OpKeys, "", err)
			return nil, err
		}
		keys = append(keys, k)
	}
	if err = rows.Err(); err != nil {
		err = s.unavailable(OpKeys, "", err)
		return nil, err
	}
	return keys, nil
}

// Close implements KV.
func (s *SQLite) Close() error {
	return s.db.Close()
}
