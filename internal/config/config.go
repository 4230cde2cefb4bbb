package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Paths contains directory configuration shared by every subcommand.
type Paths struct {
	LogDir      string `toml:"log_dir"`
	HistoryPath string `toml:"history_path"`
}

// Workflow contains daemon timing and retry configuration.
type Workflow struct {
	PollSeconds        int `toml:"poll_seconds"`
	ErrorRetrySeconds  int `toml:"error_retry_seconds"`
	DecisionRetries    int `toml:"decision_retries"`
	ConflictRetries    int `toml:"conflict_retries"`
	LockTimeoutSeconds int `toml:"lock_timeout_seconds"`
}

// Executor contains configuration for the external study conductor.
type Executor struct {
	Binary string `toml:"binary"`
	Flags  string `toml:"flags"`
	Srun   bool   `toml:"srun"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for adlib.
type Config struct {
	Paths    Paths    `toml:"paths"`
	Workflow Workflow `toml:"workflow"`
	Executor Executor `toml:"executor"`
	Logging  Logging  `toml:"logging"`
}

// Load reads configuration from path, falling back to the default search
// locations when path is empty. A missing file yields the defaults.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, "", err
	}
	if resolved == "" {
		if err := cfg.normalize(); err != nil {
			return nil, "", err
		}
		return &cfg, "", nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == "" {
			if err := cfg.normalize(); err != nil {
				return nil, "", err
			}
			return &cfg, "", nil
		}
		return nil, "", fmt.Errorf("read config %s: %w", resolved, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, "", fmt.Errorf("parse config %s: %w", resolved, err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, resolved, nil
}

func resolvePath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		return expandUser(trimmed)
	}

	candidate, err := expandUser(defaultConfigPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.LogDir, err = expandUser(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Paths.HistoryPath, err = expandUser(c.Paths.HistoryPath); err != nil {
		return err
	}
	return nil
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	if c.Paths.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Paths.LogDir, 0o755); err != nil {
		return fmt.Errorf("ensure log directory: %w", err)
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
