package services

import "context"

type contextKey string

const (
	jobIDKey      contextKey = "job_id"
	documentIDKey contextKey = "document_id"
	caseIDKey     contextKey = "case_id"
	stageKey      contextKey = "stage"
	workerIDKey   contextKey = "worker_id"
	requestIDKey  contextKey = "request_id"
)

// WithJobID annotates context with the job identifier.
func WithJobID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// JobIDFromContext extracts the job identifier if present.
func JobIDFromContext(ctx context.Context) (int64, bool) {
	switch val := ctx.Value(jobIDKey).(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	default:
		return 0, false
	}
}

// WithDocumentID annotates context with the document identifier.
func WithDocumentID(ctx context.Context, id string) context.Context {
	return withString(ctx, documentIDKey, id)
}

// DocumentIDFromContext returns the document identifier if present.
func DocumentIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, documentIDKey)
}

// WithCaseID annotates context with the case identifier.
func WithCaseID(ctx context.Context, id string) context.Context {
	return withString(ctx, caseIDKey, id)
}

// CaseIDFromContext returns the case identifier if present.
func CaseIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, caseIDKey)
}

// WithStage annotates context with the workflow stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, stageKey)
}

// WithWorkerID annotates context with the worker identity.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return withString(ctx, workerIDKey, id)
}

// WorkerIDFromContext returns the worker identity if present.
func WorkerIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, workerIDKey)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, requestIDKey)
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
