package stage

import (
	"errors"
	"testing"

	"caseflow/internal/payload"
	"caseflow/internal/services"
)

func TestDecodeResult_Valid(t *testing.T) {
	raw := []byte(`{"source_language":"es","target_language":"en","text":"Birth certificate","extra":"ignored"}`)
	result, err := DecodeResult(payload.KindTranslation, raw, 0.7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr, ok := result.(payload.TranslationResult)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if tr.Confidence != 0.7 || tr.Text != "Birth certificate" {
		t.Fatalf("unexpected result: %+v", tr)
	}
}

func TestDecodeResult_Invalid(t *testing.T) {
	tests := []struct {
		name string
		kind payload.Kind
		raw  string
	}{
		{"malformed", payload.KindOCR, `{invalid json`},
		{"missing field", payload.KindOCR, `{"pages":1}`},
		{"same language", payload.KindTranslation, `{"source_language":"en","target_language":"en","text":"x"}`},
		{"unknown kind", payload.Kind("summary"), `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResult(tt.kind, []byte(tt.raw), 0.9)
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
