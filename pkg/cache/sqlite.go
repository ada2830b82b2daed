package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS token_partitions (
	type       TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteBackend stores partitions as rows of token_partitions.
type SQLiteBackend struct {
	sqlDB *sql.DB
}

// OpenSQLite opens a SQLite cache file and creates the schema if needed.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", classifySQLite(err))
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", classifySQLite(err))
	}
	return &SQLiteBackend{sqlDB: sqlDB}, nil
}

// Load reads one partition row.
func (s *SQLiteBackend) Load(ctx context.Context, partition string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, false, ErrClosed
	}

	var payload []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT payload FROM token_partitions WHERE type = ?`, partition,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifySQLite(err)
	}
	return payload, true, nil
}

// Store upserts one partition row.
func (s *SQLiteBackend) Store(ctx context.Context, partition string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrClosed
	}

	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO token_partitions (type, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(type) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		partition, data, time.Now().UTC().UnixMilli(),
	)
	return classifySQLite(err)
}

// Clear deletes every partition row.
func (s *SQLiteBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrClosed
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM token_partitions`)
	return classifySQLite(err)
}

// Close closes the SQLite handle.
func (s *SQLiteBackend) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// classifySQLite maps disk-full, read-only and permission result codes to
// ErrUnavailable.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_FULL, sqlite3lib.SQLITE_READONLY, sqlite3lib.SQLITE_PERM, sqlite3lib.SQLITE_CANTOPEN:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	if strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return markUnavailable(err)
}
