package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/auth"
	"caseflow/internal/config"
	"caseflow/internal/crashstate"
	"caseflow/internal/gate"
	"caseflow/internal/locks"
	"caseflow/internal/logging"
	"caseflow/internal/notifications"
	"caseflow/internal/queue"
	"caseflow/internal/services"
	"caseflow/internal/stage"
	"caseflow/internal/workflow"
)

// Deps are the stores and handlers a worker drives. Notifications and Crash
// are optional.
type Deps struct {
	Jobs          *queue.Store
	Locks         *locks.Manager
	Workflows     *workflow.Machine
	Gate          *gate.Policy
	Handlers      map[queue.JobType]stage.Handler
	Notifications *notifications.Store
	Crash         *crashstate.Recorder
}

// Worker processes jobs one at a time.
type Worker struct {
	id        string
	deps      Deps
	logger    *slog.Logger
	recipient string
	types     []queue.JobType

	pollInterval      time.Duration
	errorRetry        time.Duration
	heartbeatInterval time.Duration
	callTimeout       time.Duration
	lockRetryDelay    time.Duration

	mu        sync.RWMutex
	lastErr   error
	lastJob   *queue.Job
	processed int
}

// Option configures optional Worker behavior.
type Option func(*Worker)

// WithID fixes the worker identity. Workers restarted under the same id can
// recover jobs orphaned by their previous run.
func WithID(id string) Option {
	return func(w *Worker) {
		if id != "" {
			w.id = id
		}
	}
}

// WithTypes restricts the job types the worker claims.
func WithTypes(types ...queue.JobType) Option {
	return func(w *Worker) {
		if len(types) > 0 {
			w.types = append([]queue.JobType(nil), types...)
		}
	}
}

// WithPollInterval overrides the idle wait between queue polls.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.pollInterval = d
	}
}

// WithHeartbeatInterval overrides how often the lock and job are renewed.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.heartbeatInterval = d
	}
}

// WithCallTimeout overrides the limit on a single stage execution.
func WithCallTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.callTimeout = d
	}
}

// New constructs a worker.
func New(cfg *config.Config, deps Deps, logger *slog.Logger, opts ...Option) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("worker requires configuration")
	}
	if deps.Jobs == nil || deps.Locks == nil || deps.Workflows == nil {
		return nil, errors.New("worker requires job, lock and workflow stores")
	}
	if len(deps.Handlers) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "worker", "init", "no stage handlers registered", nil)
	}
	if deps.Gate == nil {
		deps.Gate = gate.DefaultPolicy()
	}

	w := &Worker{
		id:                "worker-" + uuid.NewString(),
		deps:              deps,
		recipient:         cfg.SLA.Recipient,
		pollInterval:      time.Duration(cfg.Jobs.PollIntervalSeconds) * time.Second,
		errorRetry:        5 * time.Second,
		heartbeatInterval: time.Duration(cfg.Jobs.HeartbeatIntervalSeconds) * time.Second,
		callTimeout:       time.Duration(cfg.Jobs.CallTimeoutSeconds) * time.Second,
	}
	for _, t := range queue.AllJobTypes() {
		if _, ok := deps.Handlers[t]; ok {
			w.types = append(w.types, t)
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, t := range w.types {
		if _, ok := deps.Handlers[t]; !ok {
			return nil, services.Wrap(services.ErrConfiguration, "worker", "init", "no handler for job type "+string(t), nil)
		}
	}
	w.lockRetryDelay = 2 * w.pollInterval
	if w.lockRetryDelay <= 0 {
		w.lockRetryDelay = 10 * time.Second
	}
	w.logger = logging.NewComponentLogger(logger, "worker")
	return w, nil
}

// ID returns the identity the worker claims jobs and locks under.
func (w *Worker) ID() string {
	return w.id
}

// Types returns the job types the worker claims.
func (w *Worker) Types() []queue.JobType {
	return append([]queue.JobType(nil), w.types...)
}

// identity attaches the worker's service principal; lock calls require one.
func (w *Worker) identity(ctx context.Context) context.Context {
	if p, ok := auth.PrincipalFromContext(ctx); ok && p.ID == w.id {
		return ctx
	}
	return services.WithWorkerID(auth.WithPrincipal(ctx, auth.Principal{ID: w.id, Worker: true}), w.id)
}

// cleanupContext survives cancellation of ctx so bookkeeping can finish
// during shutdown.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
