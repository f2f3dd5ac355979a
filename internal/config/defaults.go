package config

const (
	defaultConfigPath                 = "~/.config/caseflow/config.toml"
	defaultStateDir                   = "~/.local/share/caseflow"
	defaultLogDir                     = "~/.local/share/caseflow/logs"
	defaultDatabaseName               = "caseflow.db"
	defaultBusyTimeoutMS              = 5000
	defaultMaxOpenConns               = 4
	defaultLockTimeoutSeconds         = 300
	defaultLockCleanupTimeoutSeconds  = 600
	defaultForceReleaseAfterSeconds   = 900
	defaultJobMaxRetries              = 3
	defaultJobBackoffMaxSeconds       = 3600
	defaultJobPollIntervalSeconds     = 5
	defaultJobHeartbeatSeconds        = 15
	defaultJobStaleAfterMinutes       = 30
	defaultJobCallTimeoutSeconds      = 120
	defaultJobWorkers                 = 2
	defaultGateHighThreshold          = 0.85
	defaultGateLowThreshold           = 0.70
	defaultSLASweepIntervalSeconds    = 60
	defaultSLAWarningFraction         = 0.8
	defaultSLACooldownMinutes         = 60
	defaultSLAApprovalTimeoutSeconds  = 300
	defaultSLAFailureThreshold        = 3
	defaultSLAFailureWindowMinutes    = 60
	defaultSLARecipient               = "operations"
	defaultCrashMaxAgeHours           = 24
	defaultCrashDeploymentID          = "default"
	defaultInferenceBaseURL           = "https://api.openai.com/v1"
	defaultInferenceModel             = "gpt-4o-mini"
	defaultInferenceTimeoutSeconds    = 60
	defaultInferenceRequestsPerMinute = 60
	defaultInferenceTargetLanguage    = "en"
	defaultInferenceSamples           = 1
	defaultNotifyRequestTimeout       = 10
	defaultNotifyDeliverInterval      = 30
	defaultAPIBind                    = "127.0.0.1:7510"
	defaultLogFormat                  = "console"
	defaultLogLevel                   = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Database: Database{
			BusyTimeoutMS: defaultBusyTimeoutMS,
			MaxOpenConns:  defaultMaxOpenConns,
		},
		Locks: Locks{
			DefaultTimeoutSeconds:    defaultLockTimeoutSeconds,
			CleanupTimeoutSeconds:    defaultLockCleanupTimeoutSeconds,
			ForceReleaseAfterSeconds: defaultForceReleaseAfterSeconds,
		},
		Jobs: Jobs{
			MaxRetries:               defaultJobMaxRetries,
			BackoffMaxSeconds:        defaultJobBackoffMaxSeconds,
			PollIntervalSeconds:      defaultJobPollIntervalSeconds,
			HeartbeatIntervalSeconds: defaultJobHeartbeatSeconds,
			StaleAfterMinutes:        defaultJobStaleAfterMinutes,
			CallTimeoutSeconds:       defaultJobCallTimeoutSeconds,
			Workers:                  defaultJobWorkers,
		},
		Gate: Gate{
			HighThreshold: defaultGateHighThreshold,
			LowThreshold:  defaultGateLowThreshold,
		},
		SLA: SLA{
			SweepIntervalSeconds:   defaultSLASweepIntervalSeconds,
			WarningFraction:        defaultSLAWarningFraction,
			CooldownMinutes:        defaultSLACooldownMinutes,
			ApprovalTimeoutSeconds: defaultSLAApprovalTimeoutSeconds,
			FailureThreshold:       defaultSLAFailureThreshold,
			FailureWindowMinutes:   defaultSLAFailureWindowMinutes,
			Recipient:              defaultSLARecipient,
		},
		Crash: Crash{
			DeploymentID: defaultCrashDeploymentID,
			MaxAgeHours:  defaultCrashMaxAgeHours,
		},
		Inference: Inference{
			BaseURL:           defaultInferenceBaseURL,
			Model:             defaultInferenceModel,
			TimeoutSeconds:    defaultInferenceTimeoutSeconds,
			RequestsPerMinute: defaultInferenceRequestsPerMinute,
			TargetLanguage:    defaultInferenceTargetLanguage,
			Samples:           defaultInferenceSamples,
		},
		Notifications: Notifications{
			RequestTimeout:         defaultNotifyRequestTimeout,
			DeliverIntervalSeconds: defaultNotifyDeliverInterval,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
