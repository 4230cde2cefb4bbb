package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks configuration values that cannot be corrected silently.
func (c *Config) Validate() error {
	var problems []string

	if c.Workflow.PollSeconds <= 0 {
		problems = append(problems, "workflow.poll_seconds must be positive")
	}
	if c.Workflow.ErrorRetrySeconds <= 0 {
		problems = append(problems, "workflow.error_retry_seconds must be positive")
	}
	if c.Workflow.DecisionRetries < 0 {
		problems = append(problems, "workflow.decision_retries must not be negative")
	}
	if c.Workflow.ConflictRetries <= 0 {
		problems = append(problems, "workflow.conflict_retries must be positive")
	}
	if c.Workflow.LockTimeoutSeconds <= 0 {
		problems = append(problems, "workflow.lock_timeout_seconds must be positive")
	}
	if strings.TrimSpace(c.Executor.Binary) == "" {
		problems = append(problems, "executor.binary must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not supported", c.Logging.Format))
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
