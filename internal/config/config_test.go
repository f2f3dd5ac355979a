package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"caseflow/internal/config"
)

func TestLoadDefaultConfigExpandsPathsAndReadsEnv(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("CASEFLOW_CRASH_SECRET", "0123456789abcdef-secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv(config.EnvConfigPath, "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "caseflow")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.Paths.DatabasePath != filepath.Join(wantState, "caseflow.db") {
		t.Fatalf("unexpected database path: %q", cfg.Paths.DatabasePath)
	}
	if cfg.CrashDir() != filepath.Join(wantState, "crash") {
		t.Fatalf("unexpected crash dir: %q", cfg.CrashDir())
	}
	if cfg.Crash.Secret != "0123456789abcdef-secret" {
		t.Fatalf("expected crash secret from env, got %q", cfg.Crash.Secret)
	}
	if cfg.Inference.APIKey != "sk-test" {
		t.Fatalf("expected inference key from env, got %q", cfg.Inference.APIKey)
	}
	if cfg.Jobs.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.Jobs.MaxRetries)
	}
	if cfg.Gate.HighThreshold != 0.85 || cfg.Gate.LowThreshold != 0.70 {
		t.Fatalf("unexpected gate thresholds: %+v", cfg.Gate)
	}
	if cfg.Locks.AllowMemberForceRelease {
		t.Fatal("expected member force release disabled by default")
	}
}

func TestLoadCustomConfig(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	dir := t.TempDir()
	path := filepath.Join(dir, "caseflow.toml")
	custom := config.Default()
	custom.Paths.StateDir = "~/state"
	custom.Jobs.MaxRetries = 5
	custom.SLA.StageTargets = map[string]int{" Human_Review ": 90}
	custom.Logging.Format = "JSON"
	custom.Inference.TargetLanguage = "Spanish"

	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config at %q, got %q (exists=%v)", path, resolved, exists)
	}
	if cfg.Paths.StateDir != filepath.Join(tempHome, "state") {
		t.Fatalf("unexpected state dir: %q", cfg.Paths.StateDir)
	}
	if cfg.Jobs.MaxRetries != 5 {
		t.Fatalf("expected max retries 5, got %d", cfg.Jobs.MaxRetries)
	}
	if cfg.SLA.StageTargets["human_review"] != 90 {
		t.Fatalf("expected normalized stage target, got %v", cfg.SLA.StageTargets)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected lowercased log format, got %q", cfg.Logging.Format)
	}
	if cfg.Inference.TargetLanguage != "es" {
		t.Fatalf("expected normalized target language, got %q", cfg.Inference.TargetLanguage)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"inverted thresholds", func(c *config.Config) { c.Gate.LowThreshold = 0.9 }, "gate.low_threshold"},
		{"threshold range", func(c *config.Config) { c.Gate.HighThreshold = 1.5 }, "gate.high_threshold"},
		{"negative retries", func(c *config.Config) { c.Jobs.MaxRetries = -1 }, "jobs.max_retries"},
		{"warning fraction", func(c *config.Config) { c.SLA.WarningFraction = 1 }, "sla.warning_fraction"},
		{"short secret", func(c *config.Config) { c.Crash.Secret = "short" }, "crash.secret"},
		{"lock timeout", func(c *config.Config) { c.Locks.DefaultTimeoutSeconds = 0 }, "locks.default_timeout_seconds"},
		{"stage target", func(c *config.Config) { c.SLA.StageTargets = map[string]int{"ocr": 0} }, "sla.stage_targets.ocr"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"samples", func(c *config.Config) { c.Inference.Samples = 9 }, "inference.samples"},
		{"target language", func(c *config.Config) { c.Inference.TargetLanguage = "klingon" }, "inference.target_language"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("expected sample config to load, exists=%v err=%v", exists, err)
	}
}

func TestLoadPrefersEnvPathAndRejectsUnknownKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "env.toml")
	if err := os.WriteFile(path, []byte("[jobs]\nmax_retries = 7\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(config.EnvConfigPath, path)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved != path || !exists || cfg.Jobs.MaxRetries != 7 {
		t.Fatalf("expected env config to win, got resolved=%q exists=%v retries=%d", resolved, exists, cfg.Jobs.MaxRetries)
	}

	if err := os.WriteFile(path, []byte("[jobs]\nmax_retry = 7\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(""); err == nil || !strings.Contains(err.Error(), "max_retry") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}
