package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Health summarises database diagnostics.
type Health struct {
	DBPath         string
	DatabaseExists bool
	Readable       bool
	SchemaVersion  int
	MissingTables  []string
	IntegrityCheck bool
	Error          string
}

var expectedTables = []string{
	"case_members",
	"documents",
	"lock_events",
	"jobs",
	"job_failures",
	"workflow_instances",
	"stage_transitions",
	"notifications",
	"approvals",
}

// CheckHealth returns diagnostic information about the database.
func (d *DB) CheckHealth(ctx context.Context) (Health, error) {
	health := Health{DBPath: d.path}
	if d.path == "" {
		return health, errors.New("database path is unknown")
	}

	info, err := os.Stat(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("database path %q is a directory", d.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.sql.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping database: %w", err)
	}
	health.Readable = true

	if err := d.sql.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}

	for _, table := range expectedTables {
		var count int
		if err := d.sql.QueryRowContext(connCtx,
			"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&count); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("query table info: %w", err)
		}
		if count == 0 {
			health.MissingTables = append(health.MissingTables, table)
		}
	}

	var integrity string
	if err := d.sql.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}
