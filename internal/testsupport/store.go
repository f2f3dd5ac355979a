package testsupport

import (
	"context"
	"sync"
	"testing"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/database"
)

// MustOpenDB opens the database for tests and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *database.DB {
	t.Helper()

	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// SeedDocument inserts an unlocked document for tests.
func SeedDocument(t testing.TB, db *database.DB, id, caseID, sourcePath string) {
	t.Helper()

	now := database.FormatTime(db.Now())
	if _, err := db.Exec(context.Background(),
		`INSERT INTO documents (id, case_id, source_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, caseID, database.NullableString(sourcePath), now, now,
	); err != nil {
		t.Fatalf("seed document %s: %v", id, err)
	}
}

// SeedMember grants principalID access to caseID.
func SeedMember(t testing.TB, db *database.DB, caseID, principalID string) {
	t.Helper()

	if _, err := db.Exec(context.Background(),
		`INSERT INTO case_members (case_id, principal_id, created_at) VALUES (?, ?, ?)`,
		caseID, principalID, database.FormatTime(db.Now()),
	); err != nil {
		t.Fatalf("seed member %s/%s: %v", caseID, principalID, err)
	}
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at start and installs it on db when non-nil.
func NewClock(db *database.DB, start time.Time) *Clock {
	c := &Clock{now: start.UTC()}
	if db != nil {
		db.SetClock(c.Now)
	}
	return c
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
