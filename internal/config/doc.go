// Package config loads, normalizes, and validates caseflow configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CASEFLOW_CRASH_SECRET and OPENAI_API_KEY. The Config type centralizes every
// knob the worker, sweeps, and CLI need so lock timeouts, retry policy, gate
// thresholds, and SLA targets are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
