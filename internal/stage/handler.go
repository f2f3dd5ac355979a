package stage

import (
	"context"

	"caseflow/internal/gate"
	"caseflow/internal/payload"
	"caseflow/internal/queue"
)

// Outcome is what a handler produced for one job. Evaluations feed the
// confidence gate; more than one is decided by consensus.
type Outcome struct {
	Result      payload.Result
	Evaluations []gate.ConfidenceResult
}

// Handler describes the contract the worker needs from each processing stage.
type Handler interface {
	Prepare(context.Context, *queue.Job) error
	Execute(context.Context, *queue.Job) (Outcome, error)
	HealthCheck(context.Context) Health
}
