package testsupport

import (
	"path/filepath"
	"testing"

	"caseflow/internal/config"
)

// ConfigOption adjusts a test configuration after defaults are applied.
type ConfigOption func(*config.Config)

// NewConfig returns the default configuration rooted in a per-test temp
// directory, with a crash secret and a loopback API bind.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(root, "state")
	cfg.Paths.LogDir = filepath.Join(root, "logs")
	cfg.Paths.DatabasePath = filepath.Join(cfg.Paths.StateDir, "caseflow.db")
	cfg.Crash.Secret = "test-crash-secret-0123456789"
	cfg.Crash.DeploymentID = "test"
	cfg.API.Bind = "127.0.0.1:0"
	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxRetries overrides the job retry budget.
func WithMaxRetries(n int) ConfigOption {
	return func(cfg *config.Config) { cfg.Jobs.MaxRetries = n }
}

// WithMemberForceRelease lets case members force release locks idle for afterSeconds.
func WithMemberForceRelease(afterSeconds int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Locks.AllowMemberForceRelease = true
		cfg.Locks.ForceReleaseAfterSeconds = afterSeconds
	}
}
