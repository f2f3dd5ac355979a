// Package logging assembles structured slog loggers and formatting helpers used
// across caseflow components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so worker and sweep code can tag
// log lines with job, document, case, and correlation identifiers. The package
// also provides a no-op logger for tests and wiring code that cannot fail.
package logging
