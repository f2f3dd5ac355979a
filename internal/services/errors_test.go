package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"caseflow/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "ocr", "infer", "failed", base)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"ocr", "infer", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want services.Class
	}{
		{"validation", services.Wrap(services.ErrValidation, "translate", "parse", "bad json", nil), services.ClassTerminal},
		{"not found", fmt.Errorf("load: %w", services.ErrNotFound), services.ClassTerminal},
		{"timeout", services.Wrap(services.ErrTimeout, "ocr", "infer", "slow", nil), services.ClassTransient},
		{"rate limited", services.ErrRateLimited, services.ClassTransient},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), services.ClassTransient},
		{"unauthorized", services.ErrUnauthorized, services.ClassAuthorization},
		{"integrity", services.ErrIntegrity, services.ClassIntegrity},
		{"unmarked", errors.New("disk hiccup"), services.ClassTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
	if !services.IsTerminal(services.ErrValidation) {
		t.Fatal("expected validation to be terminal")
	}
	if services.IsTerminal(services.ErrTimeout) {
		t.Fatal("expected timeout to be retryable")
	}
}
