package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"creativepipe/internal/sqliteutil"
	"creativepipe/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store keeps campaigns and artifacts as JSON documents in SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open initializes or connects to the store database at path.
func Open(path string) (*Store, error) {
	db, err := sqliteutil.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqliteutil.Migrate(context.Background(), db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := sqliteutil.RetryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) getDoc(ctx context.Context, dest any, query string, args ...any) error {
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return decodeInto(doc, dest)
}

func decodeInto(doc string, dest any) error {
	if err := json.Unmarshal([]byte(doc), dest); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func encodeDoc(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(data), nil
}

// jsonTime renders t the way encoding/json does so patched fields decode like
// fields written by Marshal.
func jsonTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
