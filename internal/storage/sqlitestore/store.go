// Package sqlitestore is a storage module that keeps templates in a single
// SQLite database. It registers itself as "sqlite"; import it for side
// effects to make the module selectable.
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"fprintd/internal/storage"
)

// Name is the storage.type value that selects this module.
const Name = "sqlite"

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func init() {
	storage.Register(Name, NewModule)
}

// Store holds the database handle between Init and Deinit.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// NewModule returns the module table backed by a fresh Store.
func NewModule() storage.Module {
	s := &Store{}
	return storage.Module{
		Name:            Name,
		Init:            s.Init,
		Deinit:          s.Close,
		PrintDataSave:   s.Save,
		PrintDataLoad:   s.Load,
		PrintDataDelete: s.Delete,
		DiscoverPrints:  s.Discover,
	}
}

// Init opens <settings["path"]> or <stateDir>/templates.db.
func (s *Store) Init(ctx context.Context, stateDir string, settings map[string]string) error {
	path := strings.TrimSpace(settings["path"])
	if path == "" {
		if strings.TrimSpace(stateDir) == "" {
			return errors.New("sqlite: neither settings.path nor state_dir is set")
		}
		path = filepath.Join(stateDir, "templates.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.mu.Lock()
	s.db = db
	s.path = path
	s.mu.Unlock()
	return nil
}

// Close closes the underlying database connection. Calling it twice is harmless.
func (s *Store) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// Path returns the database file in use.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *Store) Save(ctx context.Context, owner, finger string, data []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	digest := blake3.Sum256(data)
	return retryOnBusy(ctx, func() error {
		_, err := db.ExecContext(ctx, `INSERT INTO templates (owner, finger, data, digest, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(owner, finger) DO UPDATE SET data = excluded.data, digest = excluded.digest, updated_at = excluded.updated_at`,
			owner, finger, data, digest[:], time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

func (s *Store) Load(ctx context.Context, owner, finger string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var data, digest []byte
	err = retryOnBusy(ctx, func() error {
		return db.QueryRowContext(ctx, "SELECT data, digest FROM templates WHERE owner = ? AND finger = ?", owner, finger).Scan(&data, &digest)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s/%s: %w", owner, finger, fs.ErrNotExist)
	}
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("template %s/%s: digest mismatch", owner, finger)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, owner, finger string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	var affected int64
	err = retryOnBusy(ctx, func() error {
		res, err := db.ExecContext(ctx, "DELETE FROM templates WHERE owner = ? AND finger = ?", owner, finger)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("template %s/%s: %w", owner, finger, fs.ErrNotExist)
	}
	return nil
}

func (s *Store) Discover(ctx context.Context, owner string) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var fingers []string
	err = retryOnBusy(ctx, func() error {
		fingers = fingers[:0]
		rows, err := db.QueryContext(ctx, "SELECT finger FROM templates WHERE owner = ? ORDER BY finger", owner)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var finger string
			if err := rows.Scan(&finger); err != nil {
				return err
			}
			fingers = append(fingers, finger)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return fingers, nil
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("sqlite store is not initialized")
	}
	return s.db, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func initSchema(ctx context.Context, db *sql.DB) error {
	var tableExists int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return createSchema(ctx, db)
	}

	var version int
	if err := db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
