package locks

import (
	"fmt"
	"log/slog"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/services"
)

// Reason explains the outcome of a lock operation.
type Reason string

const (
	ReasonSuccess          Reason = "SUCCESS"
	ReasonAuthRequired     Reason = "AUTH_REQUIRED"
	ReasonAccessDenied     Reason = "ACCESS_DENIED"
	ReasonAlreadyLocked    Reason = "ALREADY_LOCKED"
	ReasonDocumentNotFound Reason = "DOCUMENT_NOT_FOUND"
	ReasonNotLocked        Reason = "NOT_LOCKED"
)

var (
	// ErrAuthRequired is returned by admin operations invoked without an identity.
	ErrAuthRequired = fmt.Errorf("%w: %s", services.ErrUnauthorized, ReasonAuthRequired)
	// ErrAccessDenied is returned by admin operations invoked by a non-admin.
	ErrAccessDenied = fmt.Errorf("%w: %s", services.ErrUnauthorized, ReasonAccessDenied)
)

// Result is the outcome of an acquire, renew, or release call. Expected
// conditions (contention, missing documents, denials) are reported here rather
// than as errors.
type Result struct {
	Success    bool
	Reason     Reason
	DocumentID string
	Holder     string
	ExpiresAt  time.Time
}

// Info describes the current lock state of a document.
type Info struct {
	DocumentID string
	CaseID     string
	Holder     string
	AcquiredAt *time.Time
	ExpiresAt  *time.Time
	RenewedAt  *time.Time
	Held       bool
}

// Reclaimed describes a lock cleared by CleanupExpiredLocks.
type Reclaimed struct {
	DocumentID  string
	CaseID      string
	Holder      string
	AcquiredAt  time.Time
	HeldFor     time.Duration
	ReclaimedAt time.Time
}

// Manager grants and revokes exclusive document locks.
type Manager struct {
	db                      *database.DB
	logger                  *slog.Logger
	defaultTimeout          time.Duration
	allowMemberForceRelease bool
	forceReleaseAfter       time.Duration
}

// NewManager constructs a lock manager from lock configuration.
func NewManager(db *database.DB, cfg config.Locks, logger *slog.Logger) *Manager {
	timeout := time.Duration(cfg.DefaultTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Manager{
		db:                      db,
		logger:                  logging.NewComponentLogger(logger, "locks"),
		defaultTimeout:          timeout,
		allowMemberForceRelease: cfg.AllowMemberForceRelease,
		forceReleaseAfter:       time.Duration(cfg.ForceReleaseAfterSeconds) * time.Second,
	}
}

// DefaultTimeout returns the lock duration used when callers pass zero.
func (m *Manager) DefaultTimeout() time.Duration {
	return m.defaultTimeout
}

func (m *Manager) record(operation string, result Result) Result {
	metrics.LockOutcomes.WithLabelValues(operation, string(result.Reason)).Inc()
	return result
}

func denied(documentID string, reason Reason) Result {
	return Result{Reason: reason, DocumentID: documentID}
}
