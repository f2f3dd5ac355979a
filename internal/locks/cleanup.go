package locks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caseflow/internal/auth"
	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
)

// CleanupExpiredLocks clears every lock that has expired or has not been
// renewed within timeoutSeconds. Only admins may run it; other callers get
// ErrAccessDenied (or ErrAuthRequired without an identity) and nothing is
// modified. The selection and the clearing run in one transaction against the
// same predicate, so repeated or concurrent sweeps reclaim each lock once.
func (m *Manager) CleanupExpiredLocks(ctx context.Context, timeoutSeconds int) ([]Reclaimed, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		metrics.LockOutcomes.WithLabelValues("cleanup", string(ReasonAuthRequired)).Inc()
		return nil, ErrAuthRequired
	}
	if !principal.Admin {
		metrics.LockOutcomes.WithLabelValues("cleanup", string(ReasonAccessDenied)).Inc()
		m.logger.Warn("lock cleanup denied",
			logging.String(logging.FieldEventType, "lock_cleanup_denied"),
			logging.String("actor", principal.ID),
			logging.String(logging.FieldErrorHint, "run cleanup with an admin principal"),
			logging.String(logging.FieldImpact, "no locks were reclaimed"),
		)
		return nil, ErrAccessDenied
	}
	if timeoutSeconds <= 0 {
		return nil, fmt.Errorf("cleanup expired locks: timeout must be positive, got %d", timeoutSeconds)
	}

	var reclaimed []Reclaimed
	err := m.db.Tx(ctx, func(tx *sql.Tx) error {
		reclaimed = reclaimed[:0]
		now := m.db.Now()
		nowText := database.FormatTime(now)
		cutoff := database.FormatTime(now.Add(-time.Duration(timeoutSeconds) * time.Second))

		const predicate = `lock_holder IS NOT NULL
            AND (lock_expires_at IS NULL OR lock_expires_at <= ?
                 OR COALESCE(lock_renewed_at, lock_acquired_at) <= ?)`

		rows, err := tx.QueryContext(ctx,
			`SELECT id, case_id, lock_holder, lock_acquired_at FROM documents WHERE `+predicate+` ORDER BY id`,
			nowText, cutoff,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				entry    Reclaimed
				acquired sql.NullString
			)
			if err := rows.Scan(&entry.DocumentID, &entry.CaseID, &entry.Holder, &acquired); err != nil {
				rows.Close()
				return err
			}
			if at := database.NullTime(acquired); at != nil {
				entry.AcquiredAt = *at
				entry.HeldFor = now.Sub(*at)
			}
			entry.ReclaimedAt = now
			reclaimed = append(reclaimed, entry)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(reclaimed) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE documents
            SET lock_holder = NULL, lock_acquired_at = NULL, lock_expires_at = NULL,
                lock_renewed_at = NULL, updated_at = ?
            WHERE `+predicate,
			nowText, nowText, cutoff,
		); err != nil {
			return err
		}
		for _, entry := range reclaimed {
			if err := insertEvent(ctx, tx, entry.DocumentID, EventReclaim, entry.Holder, principal.ID, nowText); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup expired locks: %w", err)
	}

	for _, entry := range reclaimed {
		m.logger.Info("expired lock reclaimed",
			logging.String(logging.FieldEventType, "lock_reclaimed"),
			logging.String(logging.FieldDocumentID, entry.DocumentID),
			logging.String(logging.FieldCaseID, entry.CaseID),
			logging.String("holder", entry.Holder),
			logging.Duration("held_for", entry.HeldFor),
		)
	}
	metrics.LocksReclaimed.Add(float64(len(reclaimed)))
	metrics.LockOutcomes.WithLabelValues("cleanup", string(ReasonSuccess)).Inc()
	return reclaimed, nil
}
