// Package payload defines the typed results produced by processing stages.
//
// Results are stored on jobs as a tagged envelope {"kind": ..., "data": ...}.
// Decoding dispatches on kind and rejects unknown kinds and malformed bodies,
// so a stored result is always one of the concrete types below.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"caseflow/internal/services"
)

// Kind names a result variant.
type Kind string

const (
	KindOCR            Kind = "ocr_result"
	KindClassification Kind = "classification_result"
	KindTranslation    Kind = "translation_result"
	KindForm           Kind = "form_result"
)

// Result is implemented by every stage result variant.
type Result interface {
	Kind() Kind
	// Score is the producer's confidence in [0,1].
	Score() float64
}

// OCRResult is the text extracted from a document.
type OCRResult struct {
	Text       string  `json:"text" validate:"required"`
	Pages      int     `json:"pages" validate:"gte=1"`
	Language   string  `json:"language,omitempty" validate:"omitempty,max=35"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// ClassificationResult assigns a document to a category.
type ClassificationResult struct {
	Category   string   `json:"category" validate:"required"`
	Labels     []string `json:"labels,omitempty" validate:"dive,required"`
	Confidence float64  `json:"confidence" validate:"gte=0,lte=1"`
	Reason     string   `json:"reason,omitempty"`
}

// TranslationResult carries translated document text.
type TranslationResult struct {
	SourceLanguage string  `json:"source_language" validate:"required"`
	TargetLanguage string  `json:"target_language" validate:"required,nefield=SourceLanguage"`
	Text           string  `json:"text" validate:"required"`
	Confidence     float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// FormResult holds populated form fields.
type FormResult struct {
	FormID     string            `json:"form_id" validate:"required"`
	Fields     map[string]string `json:"fields" validate:"required,min=1,dive,keys,required,endkeys"`
	Confidence float64           `json:"confidence" validate:"gte=0,lte=1"`
}

func (OCRResult) Kind() Kind            { return KindOCR }
func (ClassificationResult) Kind() Kind { return KindClassification }
func (TranslationResult) Kind() Kind    { return KindTranslation }
func (FormResult) Kind() Kind           { return KindForm }

func (r OCRResult) Score() float64            { return r.Confidence }
func (r ClassificationResult) Score() float64 { return r.Confidence }
func (r TranslationResult) Score() float64    { return r.Confidence }
func (r FormResult) Score() float64           { return r.Confidence }

var validate = validator.New(validator.WithRequiredStructEnabled())

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Validate checks a result against its field constraints.
func Validate(r Result) error {
	if r == nil {
		return services.Wrap(services.ErrValidation, "payload", "validate", "result is nil", nil)
	}
	if math.IsNaN(r.Score()) {
		return services.Wrap(services.ErrValidation, "payload", "validate", "confidence is NaN", nil)
	}
	if err := validate.Struct(r); err != nil {
		return services.Wrap(services.ErrValidation, "payload", "validate", string(r.Kind()), err)
	}
	return nil
}

// Encode validates r and wraps it in a tagged envelope.
func Encode(r Result) ([]byte, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", r.Kind(), err)
	}
	return json.Marshal(envelope{Kind: r.Kind(), Data: data})
}

// Decode parses a tagged envelope into its concrete result type.
func Decode(raw []byte) (Result, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, services.Wrap(services.ErrValidation, "payload", "decode", "malformed envelope", err)
	}
	var (
		result Result
		err    error
	)
	switch env.Kind {
	case KindOCR:
		result, err = decodeInto[OCRResult](env.Data)
	case KindClassification:
		result, err = decodeInto[ClassificationResult](env.Data)
	case KindTranslation:
		result, err = decodeInto[TranslationResult](env.Data)
	case KindForm:
		result, err = decodeInto[FormResult](env.Data)
	default:
		return nil, services.Wrap(services.ErrValidation, "payload", "decode",
			fmt.Sprintf("unknown result kind %q", strings.TrimSpace(string(env.Kind))), nil)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(result); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeInto[T Result](data json.RawMessage) (T, error) {
	var out T
	if len(data) == 0 {
		return out, services.Wrap(services.ErrValidation, "payload", "decode", "missing data", nil)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, services.Wrap(services.ErrValidation, "payload", "decode", string(out.Kind()), err)
	}
	return out, nil
}
