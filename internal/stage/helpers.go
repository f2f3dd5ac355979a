package stage

import (
	"encoding/json"
	"fmt"

	"caseflow/internal/payload"
	"caseflow/internal/services"
)

// DecodeResult decodes a model result object into the concrete result type
// for kind, sets its confidence, and validates it. Failures are
// services.ErrValidation so the job fails without retry.
func DecodeResult(kind payload.Kind, raw json.RawMessage, confidence float64) (payload.Result, error) {
	var (
		result payload.Result
		err    error
	)
	switch kind {
	case payload.KindOCR:
		var r payload.OCRResult
		if err = json.Unmarshal(raw, &r); err == nil {
			r.Confidence = confidence
			result = r
		}
	case payload.KindClassification:
		var r payload.ClassificationResult
		if err = json.Unmarshal(raw, &r); err == nil {
			r.Confidence = confidence
			result = r
		}
	case payload.KindTranslation:
		var r payload.TranslationResult
		if err = json.Unmarshal(raw, &r); err == nil {
			r.Confidence = confidence
			result = r
		}
	case payload.KindForm:
		var r payload.FormResult
		if err = json.Unmarshal(raw, &r); err == nil {
			r.Confidence = confidence
			result = r
		}
	default:
		return nil, services.Wrap(services.ErrValidation, "stage", "decode result",
			fmt.Sprintf("unknown result kind %q", kind), nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "stage", "decode result",
			"model result does not match "+string(kind), err)
	}
	if err := payload.Validate(result); err != nil {
		return nil, err
	}
	return result, nil
}
