package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir     string `toml:"state_dir"`
	LogDir       string `toml:"log_dir"`
	DatabasePath string `toml:"database_path"`
}

// Database contains SQLite connection tuning.
type Database struct {
	BusyTimeoutMS int `toml:"busy_timeout_ms"`
	MaxOpenConns  int `toml:"max_open_conns"`
}

// Locks contains document lock settings.
type Locks struct {
	DefaultTimeoutSeconds    int  `toml:"default_timeout_seconds"`
	CleanupTimeoutSeconds    int  `toml:"cleanup_timeout_seconds"`
	AllowMemberForceRelease  bool `toml:"allow_member_force_release"`
	ForceReleaseAfterSeconds int  `toml:"force_release_after_seconds"`
}

// Jobs contains queue and worker settings.
type Jobs struct {
	MaxRetries               int `toml:"max_retries"`
	BackoffMaxSeconds        int `toml:"backoff_max_seconds"`
	PollIntervalSeconds      int `toml:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	StaleAfterMinutes        int `toml:"stale_after_minutes"`
	CallTimeoutSeconds       int `toml:"call_timeout_seconds"`
	Workers                  int `toml:"workers"`
}

// Gate contains confidence gate thresholds.
type Gate struct {
	HighThreshold float64 `toml:"high_threshold"`
	LowThreshold  float64 `toml:"low_threshold"`
	// PolicyFile optionally points at a YAML file with per-stage thresholds.
	PolicyFile string `toml:"policy_file"`
}

// SLA contains monitor thresholds and intervals.
type SLA struct {
	SweepIntervalSeconds   int     `toml:"sweep_interval_seconds"`
	WarningFraction        float64 `toml:"warning_fraction"`
	CooldownMinutes        int     `toml:"cooldown_minutes"`
	ApprovalTimeoutSeconds int     `toml:"approval_timeout_seconds"`
	FailureThreshold       int     `toml:"failure_threshold"`
	FailureWindowMinutes   int     `toml:"failure_window_minutes"`
	// StageTargets overrides per-stage SLA targets in minutes, keyed by stage name.
	StageTargets map[string]int `toml:"stage_targets"`
	Recipient    string         `toml:"recipient"`
}

// Crash contains crash-state recorder settings.
type Crash struct {
	Secret       string `toml:"secret"`
	DeploymentID string `toml:"deployment_id"`
	MaxAgeHours  int    `toml:"max_age_hours"`
}

// Inference contains the OpenAI-compatible inference endpoint settings.
type Inference struct {
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	Model             string `toml:"model"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
	// TargetLanguage is the ISO 639-1 code translations are produced in.
	TargetLanguage string `toml:"target_language"`
	// Samples is how many independent evaluations the gate decides over.
	Samples int `toml:"samples"`
}

// Notifications contains delivery relay settings.
type Notifications struct {
	NtfyTopic              string `toml:"ntfy_topic"`
	RequestTimeout         int    `toml:"request_timeout"`
	DeliverIntervalSeconds int    `toml:"deliver_interval_seconds"`
}

// API contains HTTP API settings.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for caseflow.
//
// Configuration sections by subsystem:
//   - Paths: state, log and database locations
//   - Database: SQLite tuning
//   - Locks: document lock timeouts and force-release policy
//   - Jobs: retry policy and worker loop timing
//   - Gate: confidence thresholds
//   - SLA: monitor thresholds and per-stage targets
//   - Crash: crash-state signing secret and freshness window
//   - Inference: AI capability endpoint
//   - Notifications: optional ntfy delivery relay
//   - API: HTTP bind address and bearer token
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Database      Database      `toml:"database"`
	Locks         Locks         `toml:"locks"`
	Jobs          Jobs          `toml:"jobs"`
	Gate          Gate          `toml:"gate"`
	SLA           SLA           `toml:"sla"`
	Crash         Crash         `toml:"crash"`
	Inference     Inference     `toml:"inference"`
	Notifications Notifications `toml:"notifications"`
	API           API           `toml:"api"`
	Logging       Logging       `toml:"logging"`
}

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "CASEFLOW_CONFIG"

// DefaultConfigPath returns the per-user configuration file location.
func DefaultConfigPath() (string, error) {
	return ExpandPath(defaultConfigPath)
}

// Load reads the configuration at path, or the first existing candidate when
// path is empty, then normalizes and validates it. It also reports the file
// it settled on and whether that file existed; a missing file yields defaults.
func Load(path string) (*Config, string, bool, error) {
	target, found, err := locate(path)
	if err != nil {
		return nil, "", false, err
	}
	cfg := Default()
	if found {
		if err := decodeFile(target, &cfg); err != nil {
			return nil, "", false, err
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, target, found, nil
}

func decodeFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config %s: unknown keys:\n%s", path, strict.String())
		}
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// locate picks the configuration file. An explicit path always wins, even
// when missing. Otherwise $CASEFLOW_CONFIG, the user config and ./caseflow.toml
// are tried in order, falling back to the user config location.
func locate(explicit string) (string, bool, error) {
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if explicit != "" {
		path, err := ExpandPath(explicit)
		if err != nil {
			return "", false, err
		}
		ok, err := isFile(path)
		return path, ok, err
	}

	fallback, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	for _, candidate := range []string{fallback, "caseflow.toml"} {
		path, err := ExpandPath(candidate)
		if err != nil {
			return "", false, err
		}
		if ok, err := isFile(path); err != nil {
			return "", false, err
		} else if ok {
			return path, true, nil
		}
	}
	return fallback, false, nil
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat config %s: %w", path, err)
	}
	return !info.IsDir(), nil
}

// EnsureDirectories creates the state, log, crash and database directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.CrashDir(), filepath.Dir(c.Paths.DatabasePath)} {
		dir = strings.TrimSpace(dir)
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return nil
}

// CrashDir is where crash snapshots are sealed.
func (c *Config) CrashDir() string {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return ""
	}
	return filepath.Join(c.Paths.StateDir, "crash")
}

// ExpandPath resolves a leading ~ to the home directory and returns an
// absolute, cleaned path. Empty input stays empty.
func ExpandPath(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if value == "~" || strings.HasPrefix(value, "~/") || strings.HasPrefix(value, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("home directory: %w", err)
		}
		value = filepath.Join(home, strings.TrimLeft(value[1:], `/\`))
	}
	abs, err := filepath.Abs(value)
	if err != nil {
		return "", fmt.Errorf("absolute path for %q: %w", value, err)
	}
	return abs, nil
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("sample config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
