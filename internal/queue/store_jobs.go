package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/payload"
	"caseflow/internal/services"
)

const claimAttempts = 5

// Enqueue inserts a queued job for an existing document.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, services.Wrap(services.ErrValidation, "queue", "enqueue", "invalid request", err)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}
	now := s.db.Now()
	notBefore := now
	if !req.NotBefore.IsZero() {
		notBefore = req.NotBefore
	}

	var id int64
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		var caseID string
		err := tx.QueryRowContext(ctx, `SELECT case_id FROM documents WHERE id = ?`, req.DocumentID).Scan(&caseID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDocumentNotFound
		}
		if err != nil {
			return err
		}
		nowText := database.FormatTime(now)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (type, document_id, case_id, status, priority, retry_count, max_retries,
                not_before, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			req.Type, req.DocumentID, caseID, StatusQueued, req.Priority, maxRetries,
			database.FormatTime(notBefore), nowText, nowText,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if req.Type == JobOCR {
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET ocr_status = ?, updated_at = ? WHERE id = ? AND ocr_status IN (?, ?)`,
				OCRQueued, nowText, req.DocumentID, OCRPending, OCRFailed,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(string(req.Type), string(StatusQueued)).Inc()
	s.logger.Info("job enqueued",
		logging.String(logging.FieldEventType, "job_enqueued"),
		logging.Int64(logging.FieldJobID, id),
		logging.String(logging.FieldDocumentID, req.DocumentID),
		logging.String("job_type", string(req.Type)),
	)
	return s.GetByID(ctx, id)
}

// GetByID fetches a job. Missing jobs yield ErrJobNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, ErrJobNotFound
	}
	return jobs[0], nil
}

// NextEligible returns the highest priority, oldest queued job whose backoff
// has elapsed, or nil when nothing is eligible. It does not claim the job.
func (s *Store) NextEligible(ctx context.Context, types ...JobType) (*Job, error) {
	query := sq.Select(jobColumns).
		From("jobs").
		Where(sq.Eq{"status": StatusQueued}).
		Where(sq.LtOrEq{"not_before": database.FormatTime(s.db.Now())}).
		OrderBy("priority DESC", "created_at ASC", "id ASC").
		Limit(1)
	if len(types) > 0 {
		query = query.Where(sq.Eq{"type": jobTypeStrings(types)})
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build eligible query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("next eligible job: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("next eligible job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// Claim moves a queued job to processing for workerID. The job update and the
// OCR document status change share one transaction; the job update only
// applies while the job is still queued and eligible, so at most one worker
// can claim it. Losing the race yields ErrNotClaimable.
func (s *Store) Claim(ctx context.Context, jobID int64, workerID string) (*Job, error) {
	if workerID == "" {
		return nil, errors.New("claim requires a worker id")
	}
	var job *Job
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		nowText := database.FormatTime(s.db.Now())
		row := tx.QueryRowContext(ctx,
			`UPDATE jobs
             SET status = ?, worker_id = ?, started_at = ?, last_heartbeat = ?, finished_at = NULL, updated_at = ?
             WHERE id = ? AND status = ? AND not_before <= ?
             RETURNING `+jobColumns,
			StatusProcessing, workerID, nowText, nowText, nowText,
			jobID, StatusQueued, nowText,
		)
		claimed, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.explainUnclaimable(ctx, tx, jobID)
		}
		if err != nil {
			return err
		}
		if claimed.Type == JobOCR {
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET ocr_status = ?, updated_at = ? WHERE id = ?`,
				OCRProcessing, nowText, claimed.DocumentID,
			); err != nil {
				return err
			}
		}
		job = claimed
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("claim job %d: %w", jobID, err)
	}
	metrics.JobTransitions.WithLabelValues(string(job.Type), string(StatusProcessing)).Inc()
	s.logger.Info("job claimed",
		logging.String(logging.FieldEventType, "job_claimed"),
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldDocumentID, job.DocumentID),
		logging.String(logging.FieldWorkerID, workerID),
		logging.Int("retry_count", job.RetryCount),
	)
	return job, nil
}

// ClaimNext claims the next eligible job of the given types, or returns nil
// when the queue has nothing eligible.
func (s *Store) ClaimNext(ctx context.Context, workerID string, types ...JobType) (*Job, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		next, err := s.NextEligible(ctx, types...)
		if err != nil || next == nil {
			return nil, err
		}
		job, err := s.Claim(ctx, next.ID, workerID)
		if errors.Is(err, ErrNotClaimable) {
			continue
		}
		return job, err
	}
	return nil, nil
}

func (s *Store) explainUnclaimable(ctx context.Context, tx *sql.Tx, jobID int64) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %d is %s", ErrNotClaimable, jobID, status)
}

// Heartbeat refreshes the liveness timestamp of a processing job held by workerID.
func (s *Store) Heartbeat(ctx context.Context, jobID int64, workerID string) error {
	nowText := database.FormatTime(s.db.Now())
	res, err := s.db.Exec(ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ? AND worker_id = ?`,
		nowText, nowText, jobID, StatusProcessing, workerID,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: job %d is no longer processing for %s", ErrNotClaimable, jobID, workerID)
	}
	return nil
}

// Complete records a successful result for a job processing under workerID.
// The result variant must match the job type. With NeedsReview set the job
// parks in needs_review instead of completed; OCR documents follow.
func (s *Store) Complete(ctx context.Context, jobID int64, workerID string, done Completion) (*Job, error) {
	var resultJSON any
	if done.Result != nil {
		encoded, err := payload.Encode(done.Result)
		if err != nil {
			return nil, err
		}
		resultJSON = string(encoded)
	}
	status, ocrStatus := StatusCompleted, OCRCompleted
	if done.NeedsReview {
		status, ocrStatus = StatusNeedsReview, OCRNeedsReview
	}

	var job *Job
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		var jobType string
		err := tx.QueryRowContext(ctx,
			`SELECT type FROM jobs WHERE id = ? AND status = ? AND worker_id = ?`,
			jobID, StatusProcessing, workerID,
		).Scan(&jobType)
		if errors.Is(err, sql.ErrNoRows) {
			return s.explainUnclaimable(ctx, tx, jobID)
		}
		if err != nil {
			return err
		}
		if done.Result != nil && JobType(jobType).PayloadKind() != done.Result.Kind() {
			return services.Wrap(services.ErrValidation, "queue", "complete",
				fmt.Sprintf("%s job cannot store %s", jobType, done.Result.Kind()), nil)
		}

		nowText := database.FormatTime(s.db.Now())
		row := tx.QueryRowContext(ctx,
			`UPDATE jobs
             SET status = ?, result_json = ?, confidence = ?, gate_reason = ?, last_error = NULL,
                 error_class = NULL, last_heartbeat = NULL, finished_at = ?, updated_at = ?
             WHERE id = ? AND status = ? AND worker_id = ?
             RETURNING `+jobColumns,
			status, resultJSON, done.Confidence, database.NullableString(done.GateReason), nowText, nowText,
			jobID, StatusProcessing, workerID,
		)
		updated, err := scanJob(row)
		if err != nil {
			return err
		}
		if updated.Type == JobOCR {
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET ocr_status = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
				ocrStatus, nowText, updated.DocumentID,
			); err != nil {
				return err
			}
		}
		job = updated
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrJobNotFound) || errors.Is(err, services.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("complete job %d: %w", jobID, err)
	}

	metrics.JobTransitions.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	observeDuration(job, "success")
	s.logger.Info("job finished",
		logging.String(logging.FieldEventType, "job_"+string(job.Status)),
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldDocumentID, job.DocumentID),
		logging.String("status", string(job.Status)),
		logging.Float64("confidence", done.Confidence),
	)
	return job, nil
}

func observeDuration(job *Job, outcome string) {
	if job == nil || job.StartedAt == nil || job.FinishedAt == nil {
		return
	}
	elapsed := job.FinishedAt.Sub(*job.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	metrics.JobDuration.WithLabelValues(string(job.Type), outcome).Observe(elapsed.Seconds())
}

func jobTypeStrings(types []JobType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func statusStrings(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}
