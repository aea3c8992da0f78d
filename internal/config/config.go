package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type SandboxConfig struct {
	// MaxOutputKB caps combined stdout+stderr per execution; excess is
	// truncated and flagged, never an error.
	MaxOutputKB int `mapstructure:"max_output_kb"`
	// KillGraceMS is the delay between SIGTERM and SIGKILL on timeout or
	// cancellation.
	KillGraceMS int `mapstructure:"kill_grace_ms"`
	// NonZeroExit decides whether a non-zero exit code from the user's
	// program is a "completed" or a "failed" execution.
	NonZeroExit string `mapstructure:"non_zero_exit"`
}

type ExecutorConfig struct {
	MaxPerProject int `mapstructure:"max_per_project"`
	MaxPerUser    int `mapstructure:"max_per_user"`
	MaxTimeoutSec int `mapstructure:"max_timeout_sec"`
}

type CollabConfig struct {
	// QueueSize bounds each participant's outbound event queue. A
	// participant that overflows it is disconnected and must rejoin.
	QueueSize    int `mapstructure:"queue_size"`
	HeartbeatSec int `mapstructure:"heartbeat_sec"`
	// MaxTerminalKB bounds the retained terminal scrollback per session.
	MaxTerminalKB int `mapstructure:"max_terminal_kb"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LanguagesConfig struct {
	// File points at an optional YAML adapter table that overrides or
	// extends the built-in language adapters.
	File string `mapstructure:"file"`
}

type RolesConfig struct {
	// Default is the role granted when a project has no explicit entry.
	Default string `mapstructure:"default"`
	// Projects maps projectID -> userID -> role.
	Projects map[string]map[string]string `mapstructure:"projects"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Collab    CollabConfig    `mapstructure:"collab"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Languages LanguagesConfig `mapstructure:"languages"`
	Roles     RolesConfig     `mapstructure:"roles"`
}

// Load reads crucible.yaml from the working directory or ~/.crucible,
// falling back to defaults when no file exists.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("crucible")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.crucible")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("sandbox.max_output_kb", 1024)
	v.SetDefault("sandbox.kill_grace_ms", 500)
	v.SetDefault("sandbox.non_zero_exit", "completed")
	v.SetDefault("executor.max_per_project", 4)
	v.SetDefault("executor.max_per_user", 2)
	v.SetDefault("executor.max_timeout_sec", 30)
	v.SetDefault("collab.queue_size", 256)
	v.SetDefault("collab.heartbeat_sec", 30)
	v.SetDefault("collab.max_terminal_kb", 256)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".crucible", "crucible.db"))
	v.SetDefault("roles.default", "write")
}

func (c *Config) validate() error {
	if c.Sandbox.NonZeroExit != "completed" && c.Sandbox.NonZeroExit != "failed" {
		return fmt.Errorf("sandbox.non_zero_exit must be 'completed' or 'failed', got %q", c.Sandbox.NonZeroExit)
	}
	if c.Executor.MaxPerProject <= 0 || c.Executor.MaxPerUser <= 0 {
		return fmt.Errorf("executor caps must be positive")
	}
	if c.Executor.MaxTimeoutSec < 1 || c.Executor.MaxTimeoutSec > 30 {
		return fmt.Errorf("executor.max_timeout_sec must be in 1..30, got %d", c.Executor.MaxTimeoutSec)
	}
	if c.Collab.QueueSize <= 0 {
		return fmt.Errorf("collab.queue_size must be positive, got %d", c.Collab.QueueSize)
	}
	if c.Collab.HeartbeatSec <= 0 {
		return fmt.Errorf("collab.heartbeat_sec must be positive, got %d", c.Collab.HeartbeatSec)
	}
	return nil
}

// KillGrace returns the SIGTERM-to-SIGKILL grace period.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Sandbox.KillGraceMS) * time.Millisecond
}

// Heartbeat returns the participant liveness deadline.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Collab.HeartbeatSec) * time.Second
}
