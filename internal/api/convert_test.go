package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"caseflow/internal/approvals"
	"caseflow/internal/locks"
	"caseflow/internal/queue"
	"caseflow/internal/services"
	"caseflow/internal/workflow"
)

func TestFromJob(t *testing.T) {
	confidence := 0.72
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	job := &queue.Job{
		ID:         7,
		Type:       queue.JobTranslation,
		DocumentID: "doc-1",
		CaseID:     "case-1",
		Status:     queue.StatusNeedsReview,
		Confidence: &confidence,
		GateReason: "score 0.72 below 0.85",
		StartedAt:  &started,
		ResultJSON: `{"kind":"translation","data":{"text":"hola"}}`,
	}
	dto := FromJob(job)
	if !dto.NeedsReview || dto.Type != "translation" {
		t.Fatalf("unexpected dto: %+v", dto)
	}
	if dto.StartedAt != "2026-03-02T09:00:00.000Z" {
		t.Fatalf("unexpected timestamp format: %q", dto.StartedAt)
	}
	if dto.FinishedAt != "" || dto.CreatedAt != "" {
		t.Fatalf("zero times must be omitted: %+v", dto)
	}
	if string(dto.Result) != job.ResultJSON {
		t.Fatalf("result not passed through: %s", dto.Result)
	}

	job.ResultJSON = "{broken"
	if FromJob(job).Result != nil {
		t.Fatal("invalid stored JSON must not be embedded")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{locks.ErrAuthRequired, http.StatusUnauthorized},
		{locks.ErrAccessDenied, http.StatusForbidden},
		{queue.ErrAdminRequired, http.StatusForbidden},
		{queue.ErrJobNotFound, http.StatusNotFound},
		{fmt.Errorf("get: %w", workflow.ErrInstanceNotFound), http.StatusNotFound},
		{workflow.ErrInvalidTransition, http.StatusConflict},
		{approvals.ErrAlreadyDecided, http.StatusConflict},
		{services.Wrap(services.ErrValidation, "api", "parse", "bad", nil), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLockStatusCode(t *testing.T) {
	if lockStatusCode(locks.ReasonAlreadyLocked) != http.StatusConflict {
		t.Fatal("contention should map to 409")
	}
	if lockStatusCode(locks.ReasonDocumentNotFound) != http.StatusNotFound {
		t.Fatal("missing document should map to 404")
	}
}
