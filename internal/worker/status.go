package worker

import (
	"context"

	"caseflow/internal/logging"
	"caseflow/internal/queue"
	"caseflow/internal/stage"
)

// StatusSummary is a point-in-time view of one worker.
type StatusSummary struct {
	ID          string
	Processed   int
	LastError   string
	LastJob     *queue.Job
	QueueStats  queue.Stats
	StageHealth []stage.Health
	Ready       bool
}

// Status reports the worker's recent activity, queue counts, and the health
// of its stage handlers.
func (w *Worker) Status(ctx context.Context) StatusSummary {
	w.mu.RLock()
	summary := StatusSummary{ID: w.id, Processed: w.processed}
	if w.lastErr != nil {
		summary.LastError = w.lastErr.Error()
	}
	if w.lastJob != nil {
		copy := *w.lastJob
		summary.LastJob = &copy
	}
	w.mu.RUnlock()

	stats, err := w.deps.Jobs.Stats(ctx)
	if err != nil {
		w.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.QueueStats = stats

	handlers := make(map[string]stage.Handler, len(w.types))
	for _, t := range w.types {
		handlers[string(t)] = w.deps.Handlers[t]
	}
	summary.StageHealth, summary.Ready = stage.CheckAll(ctx, handlers)
	return summary
}

// Processed returns how many jobs the worker has settled.
func (w *Worker) Processed() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.processed
}

func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

func (w *Worker) recordJob(job *queue.Job) {
	if job == nil {
		return
	}
	copy := *job
	w.mu.Lock()
	w.lastJob = &copy
	w.processed++
	w.mu.Unlock()
}
