package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"caseflow/internal/language"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeGate(); err != nil {
		return err
	}
	c.normalizeSLA()
	c.normalizeCrash()
	c.normalizeInference()
	c.normalizeAPI()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = ExpandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = ExpandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DatabasePath) == "" {
		c.Paths.DatabasePath = filepath.Join(c.Paths.StateDir, defaultDatabaseName)
	}
	if c.Paths.DatabasePath, err = ExpandPath(c.Paths.DatabasePath); err != nil {
		return fmt.Errorf("paths.database_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeGate() error {
	c.Gate.PolicyFile = strings.TrimSpace(c.Gate.PolicyFile)
	if c.Gate.PolicyFile == "" {
		return nil
	}
	var err error
	if c.Gate.PolicyFile, err = ExpandPath(c.Gate.PolicyFile); err != nil {
		return fmt.Errorf("gate.policy_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeSLA() {
	c.SLA.Recipient = strings.TrimSpace(c.SLA.Recipient)
	if c.SLA.Recipient == "" {
		c.SLA.Recipient = defaultSLARecipient
	}
	if len(c.SLA.StageTargets) == 0 {
		return
	}
	targets := make(map[string]int, len(c.SLA.StageTargets))
	for stage, minutes := range c.SLA.StageTargets {
		targets[strings.ToLower(strings.TrimSpace(stage))] = minutes
	}
	c.SLA.StageTargets = targets
}

func (c *Config) normalizeCrash() {
	c.Crash.Secret = strings.TrimSpace(c.Crash.Secret)
	if c.Crash.Secret == "" {
		if value, ok := os.LookupEnv("CASEFLOW_CRASH_SECRET"); ok {
			c.Crash.Secret = strings.TrimSpace(value)
		}
	}
	c.Crash.DeploymentID = strings.TrimSpace(c.Crash.DeploymentID)
	if value, ok := os.LookupEnv("CASEFLOW_DEPLOYMENT_ID"); ok && strings.TrimSpace(value) != "" && c.Crash.DeploymentID == defaultCrashDeploymentID {
		c.Crash.DeploymentID = strings.TrimSpace(value)
	}
	if c.Crash.DeploymentID == "" {
		c.Crash.DeploymentID = defaultCrashDeploymentID
	}
}

func (c *Config) normalizeInference() {
	c.Inference.APIKey = strings.TrimSpace(c.Inference.APIKey)
	if c.Inference.APIKey == "" {
		if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
			c.Inference.APIKey = strings.TrimSpace(value)
		}
	}
	c.Inference.BaseURL = strings.TrimRight(strings.TrimSpace(c.Inference.BaseURL), "/")
	if c.Inference.BaseURL == "" {
		c.Inference.BaseURL = defaultInferenceBaseURL
	}
	c.Inference.Model = strings.TrimSpace(c.Inference.Model)
	if c.Inference.Model == "" {
		c.Inference.Model = defaultInferenceModel
	}
	if strings.TrimSpace(c.Inference.TargetLanguage) == "" {
		c.Inference.TargetLanguage = defaultInferenceTargetLanguage
	}
	if code := language.Normalize(c.Inference.TargetLanguage); code != "" {
		c.Inference.TargetLanguage = code
	}
	if c.Inference.Samples == 0 {
		c.Inference.Samples = defaultInferenceSamples
	}
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("CASEFLOW_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
