package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"caseflow/internal/auth"
	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/services"
)

// ErrAdminRequired is returned by operator actions invoked without admin rights.
var ErrAdminRequired = fmt.Errorf("%w: admin principal required", services.ErrUnauthorized)

// Reset moves failed or paused jobs back to queued with a fresh retry budget.
// It is the only way out of failed and requires an admin principal. With no
// ids every failed or paused job is reset.
func (s *Store) Reset(ctx context.Context, ids ...int64) ([]*Job, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || !principal.Admin {
		return nil, ErrAdminRequired
	}

	var reset []*Job
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		reset = reset[:0]
		nowText := database.FormatTime(s.db.Now())
		query := sq.Update("jobs").
			Set("status", string(StatusQueued)).
			Set("retry_count", 0).
			Set("not_before", nowText).
			Set("last_error", nil).
			Set("error_class", nil).
			Set("worker_id", nil).
			Set("last_heartbeat", nil).
			Set("finished_at", nil).
			Set("updated_at", nowText).
			Where(sq.Eq{"status": statusStrings([]Status{StatusFailed, StatusPaused})}).
			Suffix("RETURNING " + jobColumns)
		if len(ids) > 0 {
			query = query.Where(sq.Eq{"id": ids})
		}
		sqlText, args, err := query.ToSql()
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, sqlText, args...)
		if err != nil {
			return err
		}
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Type != JobOCR {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET ocr_status = ?, retry_count = 0, last_error = NULL, updated_at = ? WHERE id = ?`,
				OCRQueued, nowText, job.DocumentID,
			); err != nil {
				return err
			}
		}
		reset = jobs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset jobs: %w", err)
	}
	for _, job := range reset {
		metrics.JobTransitions.WithLabelValues(string(job.Type), string(StatusQueued)).Inc()
		s.logger.Info("job reset by operator",
			logging.String(logging.FieldEventType, "job_reset"),
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String(logging.FieldDocumentID, job.DocumentID),
			logging.String("actor", principal.ID),
		)
	}
	return reset, nil
}

// PauseStale moves processing jobs whose last heartbeat is older than cutoff
// to paused, so a crashed worker cannot leave them running forever. OCR
// documents of paused jobs return to pending.
func (s *Store) PauseStale(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	var paused []*Job
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		paused = paused[:0]
		nowText := database.FormatTime(s.db.Now())
		rows, err := tx.QueryContext(ctx,
			`UPDATE jobs
             SET status = ?, last_error = ?, error_class = ?, updated_at = ?
             WHERE status = ? AND COALESCE(last_heartbeat, started_at, updated_at) < ?
             RETURNING `+jobColumns,
			StatusPaused, "heartbeat stale; paused by diagnostics", string(services.ClassTransient), nowText,
			StatusProcessing, database.FormatTime(cutoff),
		)
		if err != nil {
			return err
		}
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Type != JobOCR {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET ocr_status = ?, updated_at = ? WHERE id = ? AND ocr_status = ?`,
				OCRPending, nowText, job.DocumentID, OCRProcessing,
			); err != nil {
				return err
			}
		}
		paused = jobs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pause stale jobs: %w", err)
	}
	for _, job := range paused {
		metrics.JobTransitions.WithLabelValues(string(job.Type), string(StatusPaused)).Inc()
		logging.WarnWithContext(s.logger, "stale job paused", "job_paused",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String(logging.FieldDocumentID, job.DocumentID),
			logging.String(logging.FieldWorkerID, job.WorkerID),
			logging.String(logging.FieldErrorHint, "check the worker host, then reset the job"),
			logging.String(logging.FieldImpact, "document processing is on hold"),
		)
	}
	return paused, nil
}

// Stats returns job counts grouped by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(Stats)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// List returns jobs matching filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Job, error) {
	query := sq.Select(jobColumns).From("jobs").OrderBy("id DESC")
	if len(filter.Statuses) > 0 {
		query = query.Where(sq.Eq{"status": statusStrings(filter.Statuses)})
	}
	if len(filter.Types) > 0 {
		query = query.Where(sq.Eq{"type": jobTypeStrings(filter.Types)})
	}
	if filter.CaseID != "" {
		query = query.Where(sq.Eq{"case_id": filter.CaseID})
	}
	if filter.DocumentID != "" {
		query = query.Where(sq.Eq{"document_id": filter.DocumentID})
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}
