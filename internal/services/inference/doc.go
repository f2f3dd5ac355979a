// Package inference calls an OpenAI-compatible chat completion endpoint on
// behalf of the processing stages (OCR clean-up, classification, translation,
// and form generation).
//
// # Request Shape
//
// Each stage has a system prompt asking for a JSON object of the form
//
//	{"result": {...}, "confidence": 0.0-1.0, "reason": "..."}
//
// Infer returns the raw result object as the payload together with the
// clamped confidence, which the confidence gate evaluates.
//
// # Error Taxonomy
//
// Failures are tagged with services markers so the queue retry policy can
// classify them:
//   - ErrTimeout: deadline exceeded or HTTP 408/504
//   - ErrRateLimited: HTTP 429 or the local limiter could not admit the call
//   - ErrTransient: other 5xx responses, network faults, empty completions
//   - ErrConfiguration: missing API key or HTTP 401/403
//   - ErrValidation: other 4xx responses and unparseable payloads
//
// # Rate Limiting and Retries
//
// Calls pass through a token bucket (golang.org/x/time/rate) sized from
// inference.requests_per_minute. Transient failures are retried in-process a
// few times with exponential backoff before the error is handed back to the
// queue, which applies its own retry budget.
package inference
