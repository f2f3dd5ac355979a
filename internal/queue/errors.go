package queue

import (
	"errors"
	"fmt"

	"caseflow/internal/services"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = fmt.Errorf("%w: job", services.ErrNotFound)
	// ErrDocumentNotFound is returned when a document id does not exist.
	ErrDocumentNotFound = fmt.Errorf("%w: document", services.ErrNotFound)
	// ErrNotClaimable means the job left the expected status before the
	// conditional update ran (another worker claimed it, or an operator moved it).
	ErrNotClaimable = errors.New("job is not in the expected status")
)

// FailureStatus maps a stage error to the job status a failure would persist
// while retries remain. Terminal errors skip the retry budget.
func FailureStatus(err error) Status {
	if services.IsTerminal(err) {
		return StatusFailed
	}
	return StatusQueued
}
