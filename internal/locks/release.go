package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"caseflow/internal/auth"
	"caseflow/internal/database"
	"caseflow/internal/logging"
)

// ReleaseLock clears the lock on documentID. It succeeds when the caller
// principal is the current holder or an admin; callerID names the holder the
// caller acts as and must be the principal's own id unless it is an admin. When member force
// release is enabled, a case member may also clear a lock whose holder has not
// renewed it within the configured idle window. Releases by anyone other than
// the holder are recorded as force releases.
func (m *Manager) ReleaseLock(ctx context.Context, documentID, callerID string) (Result, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return m.record("release", denied(documentID, ReasonAuthRequired)), nil
	}
	if callerID == "" {
		callerID = principal.ID
	}

	var (
		result Result
		kind   EventKind
	)
	err := m.db.Tx(ctx, func(tx *sql.Tx) error {
		now := m.db.Now()
		nowText := database.FormatTime(now)

		var holder sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT lock_holder FROM documents WHERE id = ?`, documentID).Scan(&holder)
		if errors.Is(err, sql.ErrNoRows) {
			result = denied(documentID, ReasonDocumentNotFound)
			return nil
		}
		if err != nil {
			return err
		}
		if !holder.Valid {
			result = denied(documentID, ReasonNotLocked)
			return nil
		}

		memberForce := 0
		if m.allowMemberForceRelease {
			memberForce = 1
		}
		idleCutoff := database.FormatTime(now.Add(-m.forceReleaseAfter))
		res, err := tx.ExecContext(ctx, `UPDATE documents
            SET lock_holder = NULL, lock_acquired_at = NULL, lock_expires_at = NULL,
                lock_renewed_at = NULL, updated_at = ?
            WHERE id = ? AND lock_holder = ?
              AND (
                  (lock_holder = ? AND ? = ?)
                  OR ? = 1
                  OR (? = 1
                      AND COALESCE(lock_renewed_at, lock_acquired_at) <= ?
                      AND EXISTS (SELECT 1 FROM case_members m
                                  WHERE m.case_id = documents.case_id AND m.principal_id = ?))
              )`,
			nowText,
			documentID, holder.String,
			callerID, callerID, principal.ID,
			database.BoolToInt(principal.Admin),
			memberForce, idleCutoff, principal.ID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			result = denied(documentID, ReasonAccessDenied)
			return nil
		}

		kind = EventRelease
		if holder.String != callerID || callerID != principal.ID {
			kind = EventForceRelease
		}
		result = Result{Success: true, Reason: ReasonSuccess, DocumentID: documentID, Holder: holder.String}
		return insertEvent(ctx, tx, documentID, kind, holder.String, principal.ID, nowText)
	})
	if err != nil {
		logging.ErrorWithContext(m.logger, "lock release failed", "lock_error",
			logging.String(logging.FieldDocumentID, documentID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "lock left in place; it will expire or be reclaimed"),
		)
		return m.record("release", denied(documentID, ReasonAuthRequired)), fmt.Errorf("release lock %s: %w", documentID, err)
	}

	if result.Success {
		attrs := []logging.Attr{
			logging.String(logging.FieldEventType, "lock_"+string(kind)),
			logging.String(logging.FieldDocumentID, documentID),
			logging.String("holder", result.Holder),
			logging.String("actor", principal.ID),
		}
		if kind == EventForceRelease {
			logging.WarnWithContext(m.logger, "lock force released", "lock_force_release", append(attrs,
				logging.String(logging.FieldImpact, "the previous holder's in-flight work will be rejected"),
				logging.String(logging.FieldErrorHint, "confirm the holder worker is no longer running"),
			)...)
		} else {
			m.logger.Info("lock released", logging.Args(attrs...)...)
		}
	}
	return m.record("release", result), nil
}
