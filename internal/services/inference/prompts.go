package inference

import "strings"

// Stage names understood by Infer.
const (
	StageOCR            = "ocr"
	StageClassification = "classification"
	StageTranslation    = "translation"
	StageFormGeneration = "form_generation"
)

const responseContract = `Respond with JSON only, shaped as {"result": <object>, "confidence": <number between 0 and 1>, "reason": <short string>}. ` +
	`Confidence must reflect how certain you are that the result is correct and complete.`

var stagePrompts = map[string]string{
	StageOCR: `You clean up OCR output of scanned legal and immigration documents. ` +
		`Return result as {"text": string, "pages": integer, "language": ISO 639-1 code}. ` +
		`Preserve names, dates, and document numbers exactly.`,
	StageClassification: `You classify documents submitted with an immigration case. ` +
		`Return result as {"category": string, "labels": [string]}. ` +
		`Use snake_case categories such as birth_certificate, passport, marriage_certificate, court_record, other.`,
	StageTranslation: `You translate documents for certified submission. ` +
		`Return result as {"source_language": ISO 639-1 code, "target_language": ISO 639-1 code, "text": string}. ` +
		`Translate faithfully without summarizing; mark illegible passages as [illegible].`,
	StageFormGeneration: `You fill government form fields from case documents. ` +
		`Return result as {"form_id": string, "fields": {string: string}}. ` +
		`Leave a field empty rather than guessing.`,
}

// SystemPrompt returns the system prompt for stage, or false for unknown stages.
func SystemPrompt(stage string) (string, bool) {
	base, ok := stagePrompts[strings.ToLower(strings.TrimSpace(stage))]
	if !ok {
		return "", false
	}
	return base + "\n\n" + responseContract, true
}
