// Package state provides the durable ledger for ralph: tasks, runs, gates,
// idempotency keys, PR snapshots, throttle history, and token accounting.
//
// All mutating operations are single short transactions; reads are
// consistent with the latest committed writes. The store assumes a single
// writer process.
package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/ralph/internal/state/driver"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Sentinel errors returned by store operations.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set transition loses.
	ErrConflict = errors.New("conflict: state changed underneath the caller")
	// ErrKeyExists is returned when an idempotency key is already held.
	ErrKeyExists = errors.New("idempotency key exists")
	// ErrGateFinal is returned on an attempted gate back-transition.
	ErrGateFinal = errors.New("gate already in a terminal status")
	// ErrAttemptsExhausted is returned when a claim exceeds its attempt cap.
	ErrAttemptsExhausted = errors.New("attempt cap exhausted")
)

// embedFSAdapter wraps embed.FS to implement driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = dirEntryAdapter{entry}
	}
	return result, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

func (d dirEntryAdapter) Name() string { return d.DirEntry.Name() }
func (d dirEntryAdapter) IsDir() bool  { return d.DirEntry.IsDir() }

// Store wraps a database connection with the ralph schema applied.
type Store struct {
	drv driver.Driver
	dsn string
}

// Open opens the store at the given DSN. A postgres:// DSN selects the
// PostgreSQL driver; anything else is treated as a SQLite path whose parent
// directory is created if needed.
func Open(dsn string) (*Store, error) {
	drv, err := driver.FromDSN(dsn)
	if err != nil {
		return nil, err
	}

	if drv.Dialect() == driver.DialectSQLite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	s := &Store{drv: drv, dsn: dsn}
	if err := s.Migrate(context.Background()); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens an isolated in-memory SQLite store, ideal for tests.
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.drv.Close()
}

// DSN returns the store location.
func (s *Store) DSN() string {
	return s.dsn
}

// Dialect returns the active database dialect.
func (s *Store) Dialect() driver.Dialect {
	return s.drv.Dialect()
}

// Migrate applies pending schema migrations for the active dialect.
func (s *Store) Migrate(ctx context.Context) error {
	return s.drv.Migrate(ctx, &embedFSAdapter{fs: schemaFS})
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.drv.Exec(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.drv.Query(ctx, query, args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.drv.QueryRow(ctx, query, args...)
}

func (s *Store) beginTx(ctx context.Context) (driver.Tx, error) {
	return s.drv.BeginTx(ctx, nil)
}

// now returns the canonical stored timestamp format: RFC 3339 UTC.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
