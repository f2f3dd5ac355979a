package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"caseflow/internal/logging"
	"caseflow/internal/queue"
)

// errLockLost marks work whose document lock or job claim is no longer held
// by this worker.
var errLockLost = errors.New("document lock lost")

// heartbeatLoop renews the document lock and the job heartbeat until ctx is
// cancelled. When ownership of either is lost it aborts the stage.
func (w *Worker) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, job *queue.Job, abort context.CancelCauseFunc) {
	defer wg.Done()
	if w.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, logging.NewComponentLogger(w.logger, "worker-heartbeat"))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.beat(ctx, job)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, errLockLost):
				logging.WarnWithContext(logger, "ownership lost; aborting stage", "heartbeat_ownership_lost",
					logging.Error(err),
					logging.String(logging.FieldImpact, "the stage result will not be committed"),
					logging.String(logging.FieldErrorHint, "raise locks.default_timeout_seconds if stages outlive their locks"),
				)
				abort(err)
				return
			default:
				logger.Warn("heartbeat failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "heartbeat_failed"),
					logging.String(logging.FieldErrorHint, "check database access"),
				)
			}
		}
	}
}

func (w *Worker) beat(ctx context.Context, job *queue.Job) error {
	res, err := w.deps.Locks.RenewLock(ctx, job.DocumentID, w.id, 0)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: renew %s", errLockLost, res.Reason)
	}
	if err := w.deps.Jobs.Heartbeat(ctx, job.ID, w.id); err != nil {
		if errors.Is(err, queue.ErrNotClaimable) {
			return fmt.Errorf("%w: %w", errLockLost, err)
		}
		return err
	}
	return nil
}
