package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"caseflow/internal/auth"
	"caseflow/internal/crashstate"
	"caseflow/internal/logging"
	"caseflow/internal/notifications"
	"caseflow/internal/queue"
	"caseflow/internal/services"
)

// errStagePanic marks failures converted from a recovered panic. Their crash
// snapshot is kept for the next start to report.
var errStagePanic = errors.New("stage panicked")

// fail records cause on the job. The queue decides between a backoff retry
// and a permanent failure; permanent failures notify operators.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job *queue.Job, cause error) (*queue.Job, error) {
	w.setLastError(cause)
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	failed, err := w.deps.Jobs.Fail(cctx, job.ID, w.id, cause)
	if err != nil {
		if errors.Is(err, queue.ErrNotClaimable) {
			logging.WarnWithContext(logger, "job no longer held; failure not recorded", "job_failure_dropped",
				logging.Error(cause),
				logging.String(logging.FieldImpact, "the job state was changed by another worker or an operator"),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("record failure of job %d: %w", job.ID, err)
	}

	attrs := []logging.Attr{
		logging.String("resolved_status", string(failed.Status)),
		logging.String("error_class", string(services.Classify(cause))),
		logging.Int("retry_count", failed.RetryCount),
		logging.Error(cause),
	}
	if failed.Status == queue.StatusFailed {
		attrs = append(attrs,
			logging.Alert("stage_failure"),
			logging.String(logging.FieldErrorHint, "fix the input or configuration, then reset the job"),
		)
		logging.ErrorWithContext(logger, "stage failed", "stage_failure", attrs...)
		w.notifyFailure(cctx, logger, failed, cause)
	} else {
		logger.Info("stage failed; retry scheduled", logging.Args(append(attrs,
			logging.String(logging.FieldEventType, "stage_retry"),
		)...)...)
	}
	if !errors.Is(cause, errStagePanic) {
		w.clearSnapshot(cctx, logger)
	}
	w.recordJob(failed)
	return failed, nil
}

func (w *Worker) notifyFailure(ctx context.Context, logger *slog.Logger, job *queue.Job, cause error) {
	if w.deps.Notifications == nil || strings.TrimSpace(w.recipient) == "" {
		return
	}
	_, err := w.deps.Notifications.Create(ctx, notifications.Request{
		Type:      notifications.TypeJobFailed,
		Severity:  notifications.SeverityWarning,
		Recipient: w.recipient,
		Subject:   fmt.Sprintf("%s job %d failed for document %s", job.Type, job.ID, job.DocumentID),
		Message:   cause.Error(),
		DedupKey:  "job_failed:" + strconv.FormatInt(job.ID, 10),
		CaseID:    job.CaseID,
	})
	if err != nil {
		logger.Warn("job failure notification not stored",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_create_failed"),
		)
	}
}

// snapshot records the in-flight operation for the next start to verify.
func (w *Worker) snapshot(ctx context.Context, logger *slog.Logger, job *queue.Job, operation string, cause error) {
	if w.deps.Crash == nil {
		return
	}
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	_, err := w.deps.Crash.Snapshot(cctx, crashstate.Context{
		Origin:    w.id,
		Operation: operation + " " + string(job.Type),
		Err:       cause,
		Session: map[string]string{
			"job_id":      strconv.FormatInt(job.ID, 10),
			"job_type":    string(job.Type),
			"document_id": job.DocumentID,
			"case_id":     job.CaseID,
			"worker_id":   w.id,
		},
	})
	if err != nil {
		logger.Warn("crash state not recorded",
			logging.Error(err),
			logging.String(logging.FieldEventType, "crash_state_write_failed"),
			logging.String(logging.FieldImpact, "an interrupted job will wait for the stale sweep instead of recovering on restart"),
		)
	}
}

func (w *Worker) clearSnapshot(ctx context.Context, logger *slog.Logger) {
	if w.deps.Crash == nil {
		return
	}
	if err := w.deps.Crash.Clear(ctx); err != nil {
		logger.Debug("crash state clear failed", logging.Error(err))
	}
}

// RecoverCrashState verifies the snapshot left by a previous run under the
// same recorder. A job that run still held is failed back to the queue and
// its lock released. Run calls it before polling.
func (w *Worker) RecoverCrashState(ctx context.Context) {
	if w.deps.Crash == nil {
		return
	}
	ctx = w.identity(ctx)
	logger := logging.WithContext(ctx, w.logger)
	state, ok, err := w.deps.Crash.RecoverPersisted(ctx)
	if err != nil {
		logging.WarnWithContext(logger, "crash state unreadable", "crash_state_unreadable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on the state directory"),
		)
		return
	}
	if !ok {
		return
	}
	jobID, err := strconv.ParseInt(state.Session["job_id"], 10, 64)
	holder := state.Session["worker_id"]
	if err != nil || holder == "" {
		return
	}
	job, err := w.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		logger.Warn("recovered job not found", logging.Int64(logging.FieldJobID, jobID), logging.Error(err))
		return
	}
	if job.Status != queue.StatusProcessing || job.WorkerID != holder {
		logger.Info("recovered job already settled",
			logging.String(logging.FieldEventType, "crash_recovery_noop"),
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String("status", string(job.Status)),
		)
		return
	}

	// The snapshot is MAC-verified and this worker owns its slot, so the run
	// that wrote it is gone. Settle its job and lock under its identity.
	orphan := auth.WithPrincipal(ctx, auth.Principal{ID: holder, Worker: true})

	var prior error
	if state.Error != "" {
		prior = errors.New(state.Error)
	}
	cause := services.Wrap(services.ErrTransient, string(job.Type), "recover",
		"worker stopped while the job was in flight", prior)
	recovered, err := w.deps.Jobs.Fail(orphan, job.ID, holder, cause)
	if err != nil {
		logging.WarnWithContext(logger, "orphaned job not recovered", "crash_recovery_failed",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the job stays processing until it is paused as stale"),
		)
		return
	}
	if _, err := w.deps.Locks.ReleaseLock(orphan, job.DocumentID, holder); err != nil {
		logger.Warn("orphaned lock not released", logging.String(logging.FieldDocumentID, job.DocumentID), logging.Error(err))
	}
	logger.Info("orphaned job returned to queue",
		logging.String(logging.FieldEventType, "crash_recovery_requeued"),
		logging.Int64(logging.FieldJobID, recovered.ID),
		logging.String("status", string(recovered.Status)),
		logging.String("previous_worker", holder),
	)
}
