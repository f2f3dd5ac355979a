package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/services"
)

// maxBackoffExponent bounds the precomputed backoff table; 2^31 seconds is
// beyond any sensible cap.
const maxBackoffExponent = 31

// BackoffDelay returns the wait before a job that has failed retryCount times
// becomes eligible again: 2^retryCount seconds, capped at limit.
func BackoffDelay(retryCount int, limit time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffExponent {
		return limit
	}
	delay := time.Duration(1<<uint(retryCount)) * time.Second
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

// Fail records a failed attempt of a processing job held by workerID.
//
// The retry count is incremented and the next status is decided inside a
// single UPDATE: a transient error with budget left re-queues the job with a
// backoff of 2^retry_count seconds; a terminal error or an exhausted budget
// fails it for good. retry_count is clamped to max_retries in the same
// statement and by a CHECK constraint, so concurrent reporters cannot push it
// past the budget. The failure is appended to job_failures in the same
// transaction.
func (s *Store) Fail(ctx context.Context, jobID int64, workerID string, cause error) (*Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: fail requires a worker id", services.ErrValidation)
	}
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	class := services.Classify(cause)
	terminal := class != services.ClassTransient
	message := strings.TrimSpace(cause.Error())

	var job *Job
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		now := s.db.Now()
		nowText := database.FormatTime(now)
		backoffCase, backoffArgs := s.backoffCase(now)

		args := []any{
			database.BoolToInt(terminal), StatusQueued, StatusFailed,
			database.BoolToInt(terminal),
		}
		args = append(args, backoffArgs...)
		args = append(args,
			message, string(class),
			database.BoolToInt(terminal), nowText,
			nowText,
			jobID, StatusProcessing, workerID,
		)
		row := tx.QueryRowContext(ctx,
			`UPDATE jobs
             SET retry_count = MIN(retry_count + 1, max_retries),
                 status = CASE WHEN ? = 0 AND retry_count + 1 < max_retries THEN ? ELSE ? END,
                 not_before = CASE WHEN ? = 0 AND retry_count + 1 < max_retries
                     THEN `+backoffCase+`
                     ELSE not_before END,
                 last_error = ?, error_class = ?,
                 worker_id = NULL, last_heartbeat = NULL,
                 finished_at = CASE WHEN ? = 1 OR retry_count + 1 >= max_retries THEN ? ELSE NULL END,
                 updated_at = ?
             WHERE id = ? AND status = ? AND worker_id = ?
             RETURNING `+jobColumns,
			args...,
		)
		updated, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.explainUnclaimable(ctx, tx, jobID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_failures (job_id, case_id, document_id, error, error_class, created_at)
             VALUES (?, ?, ?, ?, ?, ?)`,
			updated.ID, updated.CaseID, updated.DocumentID, message, string(class), nowText,
		); err != nil {
			return err
		}

		if updated.Type == JobOCR {
			ocrStatus := OCRQueued
			if updated.Status == StatusFailed {
				ocrStatus = OCRFailed
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET ocr_status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				ocrStatus, updated.RetryCount, message, nowText, updated.DocumentID,
			); err != nil {
				return err
			}
		}
		job = updated
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fail job %d: %w", jobID, err)
	}

	metrics.JobTransitions.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	attrs := []logging.Attr{
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldDocumentID, job.DocumentID),
		logging.String(logging.FieldCaseID, job.CaseID),
		logging.Int("retry_count", job.RetryCount),
		logging.Int("max_retries", job.MaxRetries),
		logging.String("error_class", string(class)),
		logging.Error(cause),
	}
	if job.Status == StatusQueued {
		s.logger.Info("job re-queued after failure", logging.Args(append(attrs,
			logging.String(logging.FieldEventType, "job_retry_scheduled"),
			logging.String("not_before", database.FormatTime(job.NotBefore)),
		)...)...)
		return job, nil
	}
	observeDuration(job, "failure")
	logging.WarnWithContext(s.logger, "job failed permanently", "job_failed", append(attrs,
		logging.String(logging.FieldErrorHint, "inspect the error, fix the input, then reset the job"),
		logging.String(logging.FieldImpact, "the job will not run again until an operator resets it"),
	)...)
	return job, nil
}

// Defer hands a processing job held by workerID back to the queue without
// spending a retry. Workers use it when the document is locked by someone
// else; the job becomes eligible again after delay.
func (s *Store) Defer(ctx context.Context, jobID int64, workerID string, delay time.Duration) (*Job, error) {
	if delay < 0 {
		delay = 0
	}
	var job *Job
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		now := s.db.Now()
		nowText := database.FormatTime(now)
		row := tx.QueryRowContext(ctx,
			`UPDATE jobs
             SET status = ?, not_before = ?, worker_id = NULL, last_heartbeat = NULL,
                 started_at = NULL, updated_at = ?
             WHERE id = ? AND status = ? AND worker_id = ?
             RETURNING `+jobColumns,
			StatusQueued, database.FormatTime(now.Add(delay)), nowText,
			jobID, StatusProcessing, workerID,
		)
		updated, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.explainUnclaimable(ctx, tx, jobID)
		}
		if err != nil {
			return err
		}
		if updated.Type == JobOCR {
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET ocr_status = ?, updated_at = ? WHERE id = ? AND ocr_status = ?`,
				OCRQueued, nowText, updated.DocumentID, OCRProcessing,
			); err != nil {
				return err
			}
		}
		job = updated
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("defer job %d: %w", jobID, err)
	}
	metrics.JobTransitions.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	s.logger.Info("job deferred",
		logging.String(logging.FieldEventType, "job_deferred"),
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldDocumentID, job.DocumentID),
		logging.Duration("delay", delay),
	)
	return job, nil
}

// backoffCase renders a CASE over the pre-increment retry_count yielding the
// next eligibility timestamp, with matching bind arguments.
func (s *Store) backoffCase(now time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString("(CASE retry_count")
	args := make([]any, 0, maxBackoffExponent+2)
	for rc := 0; rc < maxBackoffExponent; rc++ {
		delay := BackoffDelay(rc+1, s.backoffMax)
		b.WriteString(" WHEN ? THEN ?")
		args = append(args, rc, database.FormatTime(now.Add(delay)))
		if delay >= s.backoffMax {
			break
		}
	}
	b.WriteString(" ELSE ? END)")
	args = append(args, database.FormatTime(now.Add(s.backoffMax)))
	return b.String(), args
}
