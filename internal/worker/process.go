package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/gate"
	"caseflow/internal/locks"
	"caseflow/internal/logging"
	"caseflow/internal/queue"
	"caseflow/internal/services"
	"caseflow/internal/stage"
	"caseflow/internal/workflow"
)

func (w *Worker) process(ctx context.Context, job *queue.Job) (result *queue.Job, err error) {
	ctx = services.WithJobID(ctx, job.ID)
	ctx = services.WithDocumentID(ctx, job.DocumentID)
	ctx = services.WithCaseID(ctx, job.CaseID)
	ctx = services.WithStage(ctx, string(job.Type))
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, w.logger)
	start := time.Now()

	handler, ok := w.deps.Handlers[job.Type]
	if !ok {
		return w.fail(ctx, logger, job, services.Wrap(services.ErrConfiguration, string(job.Type), "dispatch",
			"no handler registered for job type", nil))
	}

	defer func() {
		if r := recover(); r != nil {
			perr := services.Wrap(services.ErrTransient, string(job.Type), "execute", "", fmt.Errorf("%w: %v", errStagePanic, r))
			logging.ErrorWithContext(logger, "stage panicked", "stage_panic",
				logging.Error(perr),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "inspect the stack trace; the job was returned to the queue"),
			)
			w.snapshot(ctx, logger, job, "panic", perr)
			result, err = w.fail(ctx, logger, job, perr)
		}
	}()

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("retry_count", job.RetryCount),
		logging.Int("max_retries", job.MaxRetries),
	)

	if err := handler.Prepare(ctx, job); err != nil {
		return w.fail(ctx, logger, job, err)
	}

	lock, err := w.deps.Locks.AcquireLock(ctx, job.DocumentID, w.id, 0)
	if err != nil {
		return w.fail(ctx, logger, job, services.Wrap(services.ErrTransient, string(job.Type), "acquire lock",
			"lock store unavailable", err))
	}
	if !lock.Success {
		return w.lockDenied(ctx, logger, job, lock)
	}
	defer w.release(ctx, logger, job)
	w.snapshot(ctx, logger, job, "execute", nil)

	outcome, execErr := w.executeWithHeartbeat(ctx, handler, job)
	if execErr != nil {
		if ctx.Err() != nil {
			return w.handOff(ctx, logger, job)
		}
		return w.fail(ctx, logger, job, execErr)
	}
	if outcome.Result == nil {
		return w.fail(ctx, logger, job, services.Wrap(services.ErrValidation, string(job.Type), "execute",
			"stage produced no result", nil))
	}

	held, err := w.deps.Locks.Holds(ctx, job.DocumentID, w.id)
	if err != nil {
		return w.fail(ctx, logger, job, services.Wrap(services.ErrTransient, string(job.Type), "verify lock",
			"lock store unavailable", err))
	}
	if !held {
		return w.fail(ctx, logger, job, services.Wrap(services.ErrTransient, string(job.Type), "verify lock",
			"document lock expired before the result was committed", errLockLost))
	}

	evaluations := outcome.Evaluations
	if len(evaluations) == 0 {
		evaluations = []gate.ConfidenceResult{{Score: outcome.Result.Score(), Evaluator: "result"}}
	}
	decision := w.deps.Gate.Evaluate(string(job.Type), evaluations...)
	logger.Info("confidence gate decided",
		logging.Args(append(logging.GateDecision(string(decision.RouteTo), decision.Reason, decision.Score),
			logging.Bool("urgent", decision.Urgent),
			logging.Any("dissent", decision.Dissent),
		)...)...,
	)

	done, err := w.deps.Jobs.Complete(ctx, job.ID, w.id, queue.Completion{
		Result:      outcome.Result,
		Confidence:  decision.Score,
		GateReason:  decision.Reason,
		NeedsReview: !decision.AutoAdvance,
	})
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			return w.fail(ctx, logger, job, err)
		}
		if errors.Is(err, queue.ErrNotClaimable) {
			logging.WarnWithContext(logger, "job left processing before completion; result dropped", "job_result_dropped",
				logging.Error(err),
				logging.String(logging.FieldImpact, "the stage will run again when the job is re-queued"),
			)
			w.clearSnapshot(ctx, logger)
			return nil, nil
		}
		return nil, fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	w.clearSnapshot(ctx, logger)
	w.advanceWorkflows(ctx, logger, done, decision)

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("status", string(done.Status)),
		logging.Duration("stage_duration", time.Since(start)),
	)
	w.recordJob(done)
	return done, nil
}

// executeWithHeartbeat runs the handler under the call timeout while a
// heartbeat keeps the lock and job alive. Losing either aborts execution.
func (w *Worker) executeWithHeartbeat(ctx context.Context, handler stage.Handler, job *queue.Job) (stage.Outcome, error) {
	lockCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	execCtx := lockCtx
	if w.callTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(lockCtx, w.callTimeout)
		defer cancel()
	}

	hbCtx, hbCancel := context.WithCancel(lockCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go w.heartbeatLoop(hbCtx, &hbWG, job, abort)

	outcome, err := handler.Execute(execCtx, job)
	hbCancel()
	hbWG.Wait()
	if err == nil {
		return outcome, nil
	}
	if cause := context.Cause(lockCtx); errors.Is(cause, errLockLost) {
		return stage.Outcome{}, services.Wrap(services.ErrTransient, string(job.Type), "execute",
			"document lock lost during execution", cause)
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, services.ErrTimeout) {
		return stage.Outcome{}, services.Wrap(services.ErrTimeout, string(job.Type), "execute",
			fmt.Sprintf("stage exceeded %s", w.callTimeout), err)
	}
	return stage.Outcome{}, err
}

// lockDenied handles a lock that could not be taken. Contention is expected
// and hands the job back without spending a retry; denials fail the job.
func (w *Worker) lockDenied(ctx context.Context, logger *slog.Logger, job *queue.Job, lock locks.Result) (*queue.Job, error) {
	switch lock.Reason {
	case locks.ReasonAlreadyLocked:
		logger.Info("document locked elsewhere; deferring job",
			logging.String(logging.FieldEventType, "job_lock_contended"),
			logging.String("holder", lock.Holder),
			logging.Duration("retry_in", w.lockRetryDelay),
		)
		deferred, err := w.deps.Jobs.Defer(ctx, job.ID, w.id, w.lockRetryDelay)
		if err != nil {
			return nil, fmt.Errorf("defer job %d: %w", job.ID, err)
		}
		w.recordJob(deferred)
		return deferred, nil
	case locks.ReasonDocumentNotFound:
		return w.fail(ctx, logger, job, services.Wrap(services.ErrNotFound, string(job.Type), "acquire lock",
			"document no longer exists", nil))
	default:
		return w.fail(ctx, logger, job, services.Wrap(services.ErrUnauthorized, string(job.Type), "acquire lock",
			"worker is not permitted to lock the document: "+string(lock.Reason), nil))
	}
}

// handOff returns an interrupted job to the queue during shutdown.
func (w *Worker) handOff(ctx context.Context, logger *slog.Logger, job *queue.Job) (*queue.Job, error) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	deferred, err := w.deps.Jobs.Defer(cctx, job.ID, w.id, 0)
	if err != nil {
		logging.WarnWithContext(logger, "could not hand job back during shutdown", "job_handoff_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the job stays processing until it is paused as stale"),
		)
		return nil, ctx.Err()
	}
	w.clearSnapshot(cctx, logger)
	logger.Info("job handed back to queue",
		logging.String(logging.FieldEventType, "job_handoff"),
	)
	return deferred, ctx.Err()
}

func (w *Worker) release(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	res, err := w.deps.Locks.ReleaseLock(cctx, job.DocumentID, w.id)
	if err != nil {
		logging.WarnWithContext(logger, "lock release failed", "lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the document stays locked until the lock expires"),
			logging.String(logging.FieldErrorHint, "run the lock sweep if the document stays blocked"),
		)
		return
	}
	if !res.Success && res.Reason != locks.ReasonNotLocked {
		logger.Debug("lock release skipped", logging.String("reason", string(res.Reason)))
	}
}

// advanceWorkflows applies the gate decision to every active workflow of the
// case that is waiting on the job's stage.
func (w *Worker) advanceWorkflows(ctx context.Context, logger *slog.Logger, job *queue.Job, decision gate.Decision) {
	instances, err := w.deps.Workflows.ActiveForCase(ctx, job.CaseID)
	if err != nil {
		logging.WarnWithContext(logger, "workflow lookup failed; stage not advanced", "workflow_lookup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "advance the workflow manually once the database recovers"),
		)
		return
	}
	for _, inst := range instances {
		def, ok := workflow.Lookup(inst.WorkflowType)
		if !ok {
			continue
		}
		target, ok := def.StageForJob(string(job.Type))
		if !ok || inst.Stage != target.Name {
			continue
		}
		moved, err := w.deps.Workflows.ApplyDecision(ctx, inst.ID, target.Name, decision, w.id)
		if err != nil {
			if errors.Is(err, workflow.ErrStaleStage) {
				logger.Info("workflow moved on before the decision applied",
					logging.String(logging.FieldEventType, "workflow_decision_stale"),
					logging.Int64(logging.FieldWorkflowID, inst.ID),
				)
				continue
			}
			logging.WarnWithContext(logger, "workflow decision not applied", "workflow_decision_failed",
				logging.Int64(logging.FieldWorkflowID, inst.ID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "advance or return the workflow manually"),
			)
			continue
		}
		logger.Info("workflow advanced by gate",
			logging.String(logging.FieldEventType, "workflow_gate_applied"),
			logging.Int64(logging.FieldWorkflowID, moved.ID),
			logging.String("from_stage", target.Name),
			logging.String("to_stage", moved.Stage),
		)
	}
}
