// Package approvals records tool-approval requests raised during case work
// and their decisions. The SLA monitor alerts on requests left pending too
// long; ClaimOverdue marks each overdue request alerted exactly once.
package approvals

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"caseflow/internal/auth"
	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/services"
)

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

var (
	// ErrApprovalNotFound is returned for unknown approval ids.
	ErrApprovalNotFound = fmt.Errorf("%w: approval", services.ErrNotFound)
	// ErrAlreadyDecided is returned when deciding a non-pending approval.
	ErrAlreadyDecided = fmt.Errorf("%w: approval already decided", services.ErrValidation)
)

// Approval is a tool-approval request.
type Approval struct {
	ID          int64
	CaseID      string
	Tool        string
	RequestedBy string
	Status      Status
	DecidedBy   string
	DecidedAt   *time.Time
	AlertedAt   *time.Time
	CreatedAt   time.Time
}

// Store persists approvals.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore builds an approval store.
func NewStore(db *database.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logging.NewComponentLogger(logger, "approvals")}
}

const approvalColumns = "id, case_id, tool, requested_by, status, decided_by, decided_at, alerted_at, created_at"

// Request records a pending approval raised by the calling principal.
func (s *Store) Request(ctx context.Context, caseID, tool string) (*Approval, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, services.Wrap(services.ErrUnauthorized, "approvals", "request", "principal required", nil)
	}
	caseID = strings.TrimSpace(caseID)
	tool = strings.TrimSpace(tool)
	if caseID == "" || tool == "" {
		return nil, services.Wrap(services.ErrValidation, "approvals", "request", "case id and tool are required", nil)
	}
	var approval *Approval
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`INSERT INTO approvals (case_id, tool, requested_by, status, created_at)
             VALUES (?, ?, ?, ?, ?)
             RETURNING `+approvalColumns,
			caseID, tool, principal.ID, string(StatusPending), database.FormatTime(s.db.Now()),
		)
		if err != nil {
			return err
		}
		found, err := scanApprovals(rows)
		if err != nil {
			return err
		}
		approval = found[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}
	s.logger.Info("approval requested",
		logging.String(logging.FieldEventType, "approval_requested"),
		logging.Int64("approval_id", approval.ID),
		logging.String(logging.FieldCaseID, caseID),
		logging.String("tool", tool),
	)
	return approval, nil
}

// Decide approves or denies a pending request. Only pending requests can be
// decided; the decision is conditional on the pending status.
func (s *Store) Decide(ctx context.Context, id int64, approve bool) (*Approval, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, services.Wrap(services.ErrUnauthorized, "approvals", "decide", "principal required", nil)
	}
	status := StatusDenied
	if approve {
		status = StatusApproved
	}
	res, err := s.db.Exec(ctx,
		`UPDATE approvals SET status = ?, decided_by = ?, decided_at = ?
         WHERE id = ? AND status = ?`,
		string(status), principal.ID, database.FormatTime(s.db.Now()), id, string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	approval, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrAlreadyDecided
	}
	s.logger.Info("approval decided",
		logging.String(logging.FieldEventType, "approval_decided"),
		logging.Int64("approval_id", id),
		logging.String("status", string(status)),
		logging.String("actor", principal.ID),
	)
	return approval, nil
}

// Get fetches an approval by id.
func (s *Store) Get(ctx context.Context, id int64) (*Approval, error) {
	rows, err := s.db.Query(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	found, err := scanApprovals(rows)
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if len(found) == 0 {
		return nil, ErrApprovalNotFound
	}
	return found[0], nil
}

// Pending lists pending approvals, oldest first.
func (s *Store) Pending(ctx context.Context) ([]*Approval, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = ? ORDER BY created_at, id`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	found, err := scanApprovals(rows)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return found, nil
}

// ClaimOverdue marks pending approvals created at or before cutoff as
// alerted and returns them. Each approval is returned by exactly one call, so
// concurrent sweeps alert once.
func (s *Store) ClaimOverdue(ctx context.Context, cutoff time.Time) ([]*Approval, error) {
	var claimed []*Approval
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE approvals SET alerted_at = ?
             WHERE status = ? AND alerted_at IS NULL AND created_at <= ?
             RETURNING `+approvalColumns,
			database.FormatTime(s.db.Now()), string(StatusPending), database.FormatTime(cutoff),
		)
		if err != nil {
			return err
		}
		claimed, err = scanApprovals(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim overdue approvals: %w", err)
	}
	return claimed, nil
}

func scanApprovals(rows *sql.Rows) ([]*Approval, error) {
	defer rows.Close()
	var out []*Approval
	for rows.Next() {
		var (
			a                  Approval
			status, created    string
			decidedBy          sql.NullString
			decidedAt, alerted sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Tool, &a.RequestedBy, &status, &decidedBy, &decidedAt,
			&alerted, &created); err != nil {
			return nil, err
		}
		a.Status = Status(status)
		a.DecidedBy = decidedBy.String
		a.DecidedAt = database.NullTime(decidedAt)
		a.AlertedAt = database.NullTime(alerted)
		t, err := database.ParseTime(created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for approval %d: %w", a.ID, err)
		}
		a.CreatedAt = t
		out = append(out, &a)
	}
	return out, rows.Err()
}
