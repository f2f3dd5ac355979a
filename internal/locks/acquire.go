package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"caseflow/internal/auth"
	"caseflow/internal/database"
	"caseflow/internal/logging"
)

// authorizedClause is true when the bound principal may touch the document row.
// Bind order: admin flag, worker flag, principal id.
const authorizedClause = `(? = 1 OR ? = 1 OR EXISTS (
        SELECT 1 FROM case_members m
        WHERE m.case_id = documents.case_id AND m.principal_id = ?))`

// actingAsClause is true when the caller acts under its own identity or is an
// admin. Bind order: admin flag, acting holder id, principal id.
const actingAsClause = `(? = 1 OR ? = ?)`

// AcquireLock claims documentID for workerID for timeout (the manager default
// when zero). The caller identity comes from ctx. Authorization, the
// availability check, and the claim happen in one conditional UPDATE, so two
// concurrent callers can never both succeed. Re-acquiring a lock already held
// by workerID extends it. Only admins may name a workerID other than their
// own principal id.
//
// Datastore faults fail closed: the result reports AUTH_REQUIRED alongside the error.
func (m *Manager) AcquireLock(ctx context.Context, documentID, workerID string, timeout time.Duration) (Result, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return m.record("acquire", denied(documentID, ReasonAuthRequired)), nil
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		workerID = principal.ID
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	var result Result
	err := m.db.Tx(ctx, func(tx *sql.Tx) error {
		now := m.db.Now()
		nowText := database.FormatTime(now)
		expiresText := database.FormatTime(now.Add(timeout))

		var holder, expires string
		err := tx.QueryRowContext(ctx, `UPDATE documents
            SET lock_holder = ?,
                lock_acquired_at = CASE
                    WHEN lock_holder = ? AND lock_expires_at > ? THEN lock_acquired_at
                    ELSE ?
                END,
                lock_expires_at = ?,
                lock_renewed_at = ?,
                updated_at = ?
            WHERE id = ?
              AND (lock_holder IS NULL OR lock_expires_at IS NULL OR lock_expires_at <= ? OR lock_holder = ?)
              AND `+authorizedClause+`
              AND `+actingAsClause+`
            RETURNING lock_holder, lock_expires_at`,
			workerID,
			workerID, nowText,
			nowText,
			expiresText,
			nowText,
			nowText,
			documentID,
			nowText, workerID,
			database.BoolToInt(principal.Admin), database.BoolToInt(principal.Worker), principal.ID,
			database.BoolToInt(principal.Admin), workerID, principal.ID,
		).Scan(&holder, &expires)
		switch {
		case err == nil:
			expiresAt, _ := database.ParseTime(expires)
			result = Result{Success: true, Reason: ReasonSuccess, DocumentID: documentID, Holder: holder, ExpiresAt: expiresAt}
			return insertEvent(ctx, tx, documentID, EventAcquire, holder, principal.ID, nowText)
		case errors.Is(err, sql.ErrNoRows):
			result, err = classifyDenied(ctx, tx, documentID, workerID, principal, now)
			return err
		default:
			return err
		}
	})
	if err != nil {
		logging.ErrorWithContext(m.logger, "lock acquisition failed", "lock_error",
			logging.String(logging.FieldDocumentID, documentID),
			logging.String(logging.FieldWorkerID, workerID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database availability; the lock was not granted"),
		)
		return m.record("acquire", denied(documentID, ReasonAuthRequired)), fmt.Errorf("acquire lock %s: %w", documentID, err)
	}

	if result.Success {
		m.logger.Info("lock acquired",
			logging.String(logging.FieldEventType, "lock_acquired"),
			logging.String(logging.FieldDocumentID, documentID),
			logging.String(logging.FieldWorkerID, workerID),
			logging.String("expires_at", database.FormatTime(result.ExpiresAt)),
		)
	} else {
		m.logger.Debug("lock not granted",
			logging.String(logging.FieldDocumentID, documentID),
			logging.String(logging.FieldWorkerID, workerID),
			logging.String("reason", string(result.Reason)),
		)
	}
	return m.record("acquire", result), nil
}

// classifyDenied explains why a conditional claim matched no row. It never
// grants anything; it only labels the outcome.
func classifyDenied(ctx context.Context, tx *sql.Tx, documentID, workerID string, principal auth.Principal, now time.Time) (Result, error) {
	var (
		holder  sql.NullString
		expires sql.NullString
		member  int
	)
	err := tx.QueryRowContext(ctx, `SELECT d.lock_holder, d.lock_expires_at,
            EXISTS (SELECT 1 FROM case_members m WHERE m.case_id = d.case_id AND m.principal_id = ?)
        FROM documents d WHERE d.id = ?`,
		principal.ID, documentID,
	).Scan(&holder, &expires, &member)
	if errors.Is(err, sql.ErrNoRows) {
		return denied(documentID, ReasonDocumentNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !actsAs(principal, workerID) {
		return denied(documentID, ReasonAccessDenied), nil
	}

	authorized := principal.Admin || principal.Worker || member == 1
	lockedByOther := holder.Valid
	if expiresAt := database.NullTime(expires); lockedByOther && expiresAt != nil && !expiresAt.After(now) {
		lockedByOther = false
	}
	switch {
	case lockedByOther:
		result := denied(documentID, ReasonAlreadyLocked)
		if authorized {
			result.Holder = holder.String
			if expiresAt := database.NullTime(expires); expiresAt != nil {
				result.ExpiresAt = *expiresAt
			}
		}
		return result, nil
	case !authorized:
		return denied(documentID, ReasonAccessDenied), nil
	default:
		return denied(documentID, ReasonAlreadyLocked), nil
	}
}

// actsAs reports whether principal may act under holder id.
func actsAs(principal auth.Principal, holder string) bool {
	return principal.Admin || holder == principal.ID
}

// RenewLock extends a lock held by workerID. Expired locks cannot be renewed:
// once expiry passes the holder must re-acquire like any other caller. Only
// the holder itself or an admin may renew.
func (m *Manager) RenewLock(ctx context.Context, documentID, workerID string, timeout time.Duration) (Result, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return m.record("renew", denied(documentID, ReasonAuthRequired)), nil
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	now := m.db.Now()
	nowText := database.FormatTime(now)
	expiresAt := now.Add(timeout)

	res, err := m.db.Exec(ctx, `UPDATE documents
        SET lock_expires_at = ?, lock_renewed_at = ?, updated_at = ?
        WHERE id = ? AND lock_holder = ? AND lock_expires_at > ?
          AND `+actingAsClause,
		database.FormatTime(expiresAt), nowText, nowText,
		documentID, workerID, nowText,
		database.BoolToInt(principal.Admin), workerID, principal.ID,
	)
	if err != nil {
		return m.record("renew", denied(documentID, ReasonAuthRequired)), fmt.Errorf("renew lock %s: %w", documentID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if !actsAs(principal, workerID) {
			return m.record("renew", denied(documentID, ReasonAccessDenied)), nil
		}
		m.logger.Warn("lock renewal rejected",
			logging.String(logging.FieldEventType, "lock_renew_rejected"),
			logging.String(logging.FieldDocumentID, documentID),
			logging.String(logging.FieldWorkerID, workerID),
			logging.String(logging.FieldErrorHint, "lock expired or was reclaimed; abandon the in-flight work"),
			logging.String(logging.FieldImpact, "job results from this worker will not be committed"),
		)
		return m.record("renew", denied(documentID, ReasonNotLocked)), nil
	}
	return m.record("renew", Result{Success: true, Reason: ReasonSuccess, DocumentID: documentID, Holder: workerID, ExpiresAt: expiresAt}), nil
}

// IsLocked reports whether documentID carries a non-expired lock.
func (m *Manager) IsLocked(ctx context.Context, documentID string) (bool, error) {
	info, err := m.Status(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return info.Held, nil
}

// Holds reports whether workerID currently holds a non-expired lock on documentID.
func (m *Manager) Holds(ctx context.Context, documentID, workerID string) (bool, error) {
	info, err := m.Status(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return info.Held && info.Holder == workerID, nil
}

// Status returns the lock state of documentID. A missing document yields sql.ErrNoRows.
func (m *Manager) Status(ctx context.Context, documentID string) (Info, error) {
	var (
		caseID                     string
		holder                     sql.NullString
		acquired, expires, renewed sql.NullString
	)
	err := m.db.QueryRowScan(ctx,
		`SELECT case_id, lock_holder, lock_acquired_at, lock_expires_at, lock_renewed_at FROM documents WHERE id = ?`,
		[]any{documentID},
		&caseID, &holder, &acquired, &expires, &renewed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Info{}, err
		}
		return Info{}, fmt.Errorf("lock status %s: %w", documentID, err)
	}
	info := Info{
		DocumentID: documentID,
		CaseID:     caseID,
		Holder:     holder.String,
		AcquiredAt: database.NullTime(acquired),
		ExpiresAt:  database.NullTime(expires),
		RenewedAt:  database.NullTime(renewed),
	}
	info.Held = holder.Valid && info.ExpiresAt != nil && info.ExpiresAt.After(m.db.Now())
	return info, nil
}
