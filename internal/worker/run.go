package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"caseflow/internal/logging"
	"caseflow/internal/queue"
)

// Run processes jobs until ctx is cancelled. Stage failures are recorded on
// the jobs themselves; Run only returns early when the worker cannot start,
// for example when another running worker owns its crash state slot.
func (w *Worker) Run(ctx context.Context) error {
	ctx = w.identity(ctx)
	logger := logging.WithContext(ctx, w.logger)
	if w.deps.Crash != nil {
		if err := w.deps.Crash.Claim(); err != nil {
			return fmt.Errorf("worker %s: %w", w.id, err)
		}
		defer func() {
			if err := w.deps.Crash.Release(); err != nil {
				logger.Warn("crash state slot release failed", logging.Error(err))
			}
		}()
	}
	w.RecoverCrashState(ctx)

	types := make([]string, 0, len(w.types))
	for _, t := range w.types {
		types = append(types, string(t))
	}
	logger.Info("worker started",
		logging.String(logging.FieldEventType, "worker_started"),
		logging.Any("job_types", types),
		logging.Duration("poll_interval", w.pollInterval),
		logging.Duration("heartbeat_interval", w.heartbeatInterval),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped",
				logging.String(logging.FieldEventType, "worker_stopped"),
				logging.Int("processed", w.Processed()),
			)
			return nil
		default:
		}

		w.pauseStale(ctx, logger)

		job, err := w.ProcessNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			w.setLastError(err)
			logger.Error("failed to process next job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check database access"),
			)
			w.wait(ctx, w.errorRetry)
			continue
		}
		if job == nil {
			w.wait(ctx, w.pollInterval)
		}
	}
}

// ProcessNext claims and processes one job. It returns nil when nothing was
// eligible, otherwise the job as it was left (completed, needs_review,
// re-queued, or failed).
func (w *Worker) ProcessNext(ctx context.Context) (*queue.Job, error) {
	ctx = w.identity(ctx)
	job, err := w.deps.Jobs.ClaimNext(ctx, w.id, w.types...)
	if err != nil || job == nil {
		return nil, err
	}
	return w.process(ctx, job)
}

// pauseStale parks jobs whose worker stopped heartbeating. Diagnostics and
// operators decide what happens to them next.
func (w *Worker) pauseStale(ctx context.Context, logger *slog.Logger) {
	cutoff := w.deps.Jobs.Now().Add(-w.deps.Jobs.StaleAfter())
	if _, err := w.deps.Jobs.PauseStale(ctx, cutoff); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("pause stale jobs failed; stuck jobs may remain processing",
			logging.Error(err),
			logging.String(logging.FieldEventType, "stale_pause_failed"),
			logging.String(logging.FieldErrorHint, "check database access"),
		)
	}
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// RunPool builds n workers and runs them until ctx is cancelled or one of
// them fails to start.
func RunPool(ctx context.Context, n int, build func(index int) (*Worker, error)) error {
	if n <= 0 {
		n = 1
	}
	workers := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := build(i)
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}
