package config

const (
	defaultConfigPath         = "~/.config/adlib/config.toml"
	defaultLogDir             = "~/.local/share/adlib/logs"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultPollSeconds        = 5
	defaultErrorRetrySeconds  = 10
	defaultDecisionRetries    = 3
	defaultConflictRetries    = 5
	defaultLockTimeoutSeconds = 30
	defaultExecutorBinary     = "conductor"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir: defaultLogDir,
		},
		Workflow: Workflow{
			PollSeconds:        defaultPollSeconds,
			ErrorRetrySeconds:  defaultErrorRetrySeconds,
			DecisionRetries:    defaultDecisionRetries,
			ConflictRetries:    defaultConflictRetries,
			LockTimeoutSeconds: defaultLockTimeoutSeconds,
		},
		Executor: Executor{
			Binary: defaultExecutorBinary,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
