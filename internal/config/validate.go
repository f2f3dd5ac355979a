package config

import (
	"errors"
	"fmt"
	"sort"

	"caseflow/internal/language"
)

const minCrashSecretLength = 16

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateLocks(); err != nil {
		return err
	}
	if err := c.validateJobs(); err != nil {
		return err
	}
	if err := c.validateGate(); err != nil {
		return err
	}
	if err := c.validateSLA(); err != nil {
		return err
	}
	if err := c.validateCrash(); err != nil {
		return err
	}
	if err := c.validateInference(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDatabase() error {
	return ensurePositiveMap(map[string]int{
		"database.busy_timeout_ms": c.Database.BusyTimeoutMS,
		"database.max_open_conns":  c.Database.MaxOpenConns,
	})
}

func (c *Config) validateLocks() error {
	if err := ensurePositiveMap(map[string]int{
		"locks.default_timeout_seconds":     c.Locks.DefaultTimeoutSeconds,
		"locks.cleanup_timeout_seconds":     c.Locks.CleanupTimeoutSeconds,
		"locks.force_release_after_seconds": c.Locks.ForceReleaseAfterSeconds,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateJobs() error {
	if c.Jobs.MaxRetries < 0 {
		return errors.New("jobs.max_retries must not be negative")
	}
	if err := ensurePositiveMap(map[string]int{
		"jobs.backoff_max_seconds":        c.Jobs.BackoffMaxSeconds,
		"jobs.poll_interval_seconds":      c.Jobs.PollIntervalSeconds,
		"jobs.heartbeat_interval_seconds": c.Jobs.HeartbeatIntervalSeconds,
		"jobs.stale_after_minutes":        c.Jobs.StaleAfterMinutes,
		"jobs.call_timeout_seconds":       c.Jobs.CallTimeoutSeconds,
		"jobs.workers":                    c.Jobs.Workers,
	}); err != nil {
		return err
	}
	if c.Jobs.StaleAfterMinutes*60 <= c.Jobs.HeartbeatIntervalSeconds {
		return errors.New("jobs.stale_after_minutes must exceed jobs.heartbeat_interval_seconds")
	}
	return nil
}

func (c *Config) validateGate() error {
	if c.Gate.LowThreshold < 0 || c.Gate.LowThreshold > 1 {
		return errors.New("gate.low_threshold must be between 0 and 1")
	}
	if c.Gate.HighThreshold < 0 || c.Gate.HighThreshold > 1 {
		return errors.New("gate.high_threshold must be between 0 and 1")
	}
	if c.Gate.LowThreshold > c.Gate.HighThreshold {
		return errors.New("gate.low_threshold must not exceed gate.high_threshold")
	}
	return nil
}

func (c *Config) validateSLA() error {
	if c.SLA.WarningFraction <= 0 || c.SLA.WarningFraction >= 1 {
		return errors.New("sla.warning_fraction must be between 0 and 1 (exclusive)")
	}
	if err := ensurePositiveMap(map[string]int{
		"sla.sweep_interval_seconds":   c.SLA.SweepIntervalSeconds,
		"sla.cooldown_minutes":         c.SLA.CooldownMinutes,
		"sla.approval_timeout_seconds": c.SLA.ApprovalTimeoutSeconds,
		"sla.failure_threshold":        c.SLA.FailureThreshold,
		"sla.failure_window_minutes":   c.SLA.FailureWindowMinutes,
	}); err != nil {
		return err
	}
	for stage, minutes := range c.SLA.StageTargets {
		if minutes <= 0 {
			return fmt.Errorf("sla.stage_targets.%s must be positive", stage)
		}
	}
	return nil
}

func (c *Config) validateCrash() error {
	if c.Crash.Secret != "" && len(c.Crash.Secret) < minCrashSecretLength {
		return fmt.Errorf("crash.secret must be at least %d characters", minCrashSecretLength)
	}
	if c.Crash.MaxAgeHours <= 0 {
		return errors.New("crash.max_age_hours must be positive")
	}
	return nil
}

func (c *Config) validateInference() error {
	if err := ensurePositiveMap(map[string]int{
		"inference.timeout_seconds":              c.Inference.TimeoutSeconds,
		"inference.requests_per_minute":          c.Inference.RequestsPerMinute,
		"notifications.request_timeout":          c.Notifications.RequestTimeout,
		"notifications.deliver_interval_seconds": c.Notifications.DeliverIntervalSeconds,
	}); err != nil {
		return err
	}
	if c.Inference.Samples < 1 || c.Inference.Samples > 5 {
		return errors.New("inference.samples must be between 1 and 5")
	}
	if language.Normalize(c.Inference.TargetLanguage) == "" {
		return fmt.Errorf("inference.target_language: unrecognized language %q", c.Inference.TargetLanguage)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
