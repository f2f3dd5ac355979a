package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	busyRetryAttempts       = 8
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 250 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		code := coder.Code() & 0xff
		if code == sqliteBusyCode || code == sqliteLockedCode {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetryOnBusy runs op, retrying with exponential backoff while SQLite reports contention.
func RetryOnBusy(ctx context.Context, op func() error) error {
	ctx = ensureContext(ctx)
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsBusy(lastErr) || attempt == busyRetryAttempts-1 {
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

// Exec runs a statement with busy retry.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var res sql.Result
	err := RetryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = d.sql.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Query runs a read query with busy retry on the initial statement.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx = ensureContext(ctx)
	var rows *sql.Rows
	err := RetryOnBusy(ctx, func() error {
		var queryErr error
		rows, queryErr = d.sql.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// QueryRowScan runs a single-row query and scans it, retrying on contention.
// It returns sql.ErrNoRows unchanged so callers can branch on it.
func (d *DB) QueryRowScan(ctx context.Context, query string, args []any, dest ...any) error {
	ctx = ensureContext(ctx)
	return RetryOnBusy(ctx, func() error {
		return d.sql.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
}

// Tx runs fn inside an immediate transaction, retrying the whole unit on contention.
// fn must not have side effects outside the transaction.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx = ensureContext(ctx)
	return RetryOnBusy(ctx, func() error {
		tx, err := d.sql.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}
