package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"caseflow/internal/config"
)

// DB wraps the shared SQLite handle used by every store.
type DB struct {
	sql  *sql.DB
	path string

	mu    sync.RWMutex
	clock func() time.Time
}

// Open initializes or connects to the configured database.
func Open(cfg *config.Config) (*DB, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(context.Background(), cfg.Paths.DatabasePath, cfg.Database.BusyTimeoutMS, cfg.Database.MaxOpenConns)
}

// OpenPath opens the database file at path, applying pragmas on every pooled
// connection and creating the schema when absent.
func OpenPath(ctx context.Context, path string, busyTimeoutMS, maxOpenConns int) (*DB, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_txlock", "immediate")
	dsn := "file:" + path + "?" + params.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	handle := &DB{sql: db, path: path, clock: time.Now}
	if err := handle.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return handle, nil
}

// SQL exposes the underlying handle.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Now returns the current time in UTC according to the configured clock.
func (d *DB) Now() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock().UTC()
}

// SetClock replaces the time source. Tests use it to step through expiry windows.
func (d *DB) SetClock(clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	d.mu.Lock()
	d.clock = clock
	d.mu.Unlock()
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}
