package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrRateLimited   = errors.New("rate limited")
	ErrTransient     = errors.New("transient failure")
	ErrUnauthorized  = errors.New("not authorized")
	ErrIntegrity     = errors.New("integrity check failed")
)

// Class groups errors by how the job runner should react to them.
type Class string

const (
	// ClassTransient failures are retried with backoff while retries remain.
	ClassTransient Class = "transient"
	// ClassTerminal failures fail the job immediately and wait for triage.
	ClassTerminal Class = "terminal"
	// ClassAuthorization failures are never retried.
	ClassAuthorization Class = "authorization"
	// ClassIntegrity failures mark data that must be discarded.
	ClassIntegrity Class = "integrity"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error onto the failure class used by the retry policy.
// Unmarked errors (including timeouts and network faults) are transient.
func Classify(err error) Class {
	switch {
	case err == nil, errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrUnauthorized):
		return ClassAuthorization
	case errors.Is(err, ErrIntegrity):
		return ClassIntegrity
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration), errors.Is(err, ErrNotFound):
		return ClassTerminal
	default:
		return ClassTransient
	}
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	return Classify(err) != ClassTransient
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
