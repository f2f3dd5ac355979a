// Package services defines shared utilities consumed by the worker, the stage
// processors, and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job, document, case, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap and Classify helpers that decide
//     whether a failure is retried, failed terminally, or discarded.
//
// Use these helpers when wiring new processing logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
