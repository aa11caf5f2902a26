// Package config loads AgentGate's configuration from environment variables,
// an optional config file, and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section consumed by the orchestrator core.
type Config struct {
	Scheduling SchedulingConfig `mapstructure:"scheduling"`
	Spawn      SpawnConfig      `mapstructure:"spawn"`
	Run        RunConfig        `mapstructure:"run"`
	Server     ServerConfig     `mapstructure:"server"`
	Data       DataConfig       `mapstructure:"data"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CI         CIConfig         `mapstructure:"ci"`
}

// SchedulingConfig bounds the scheduler's concurrency.
type SchedulingConfig struct {
	MaxConcurrentRuns int `mapstructure:"maxConcurrentRuns"` // 1-100, default 5
}

// SpawnConfig bounds recursive work-order spawning (sub-agents spawning sub-agents).
type SpawnConfig struct {
	MaxDepth           int `mapstructure:"maxDepth"`           // 1-10, default 3
	MaxChildrenPerNode int `mapstructure:"maxChildrenPerNode"` // 1-50, default 10
	MaxTreeSize        int `mapstructure:"maxTreeSize"`        // 1-1000, default 100
}

// RunConfig bounds per-run timeouts and leasing.
type RunConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"defaultTimeoutSeconds"` // 60-86400, default 3600
	PollIntervalMs        int `mapstructure:"pollIntervalMs"`        // 1000-60000, default 5000
	LeaseDurationSeconds  int `mapstructure:"leaseDurationSeconds"`  // 300-86400, default 3600
}

// ServerConfig holds the listening address settings. cmd/agentgate's
// diagnostics server (/healthz, /metrics) listens on Port on all
// interfaces; Host is not read by that listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"` // 1-65535, default 3001
}

// DataConfig points at the directory used for all persisted state.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CIConfig bounds the optional CI-tracking subsystem.
type CIConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	PollIntervalMs    int  `mapstructure:"pollIntervalMs"` // 5000-300000, default 30000
	TimeoutMs         int  `mapstructure:"timeoutMs"`      // 60000-7200000, default 1800000
	MaxIterations     int  `mapstructure:"maxIterations"`  // 1-10, default 3
	SkipIfNoWorkflows bool `mapstructure:"skipIfNoWorkflows"`
	LogRetentionCount int  `mapstructure:"logRetentionCount"` // 1-20, default 5
}

// DefaultTimeout returns the default per-run wall-clock budget as a Duration.
func (r *RunConfig) DefaultTimeout() time.Duration {
	return time.Duration(r.DefaultTimeoutSeconds) * time.Second
}

// PollInterval returns the queue/scheduler tick interval as a Duration.
func (r *RunConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMs) * time.Millisecond
}

// LeaseDuration returns the run-store lease window as a Duration.
func (r *RunConfig) LeaseDuration() time.Duration {
	return time.Duration(r.LeaseDurationSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduling.maxConcurrentRuns", 5)

	v.SetDefault("spawn.maxDepth", 3)
	v.SetDefault("spawn.maxChildrenPerNode", 10)
	v.SetDefault("spawn.maxTreeSize", 100)

	v.SetDefault("run.defaultTimeoutSeconds", 3600)
	v.SetDefault("run.pollIntervalMs", 5000)
	v.SetDefault("run.leaseDurationSeconds", 3600)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)

	v.SetDefault("data.dir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("ci.enabled", false)
	v.SetDefault("ci.pollIntervalMs", 30000)
	v.SetDefault("ci.timeoutMs", 1800000)
	v.SetDefault("ci.maxIterations", 3)
	v.SetDefault("ci.skipIfNoWorkflows", true)
	v.SetDefault("ci.logRetentionCount", 5)
}

// Load reads configuration from environment variables (AGENTGATE_ prefix),
// an optional config.yaml in the working directory or /etc/agentgate/, and
// the defaults above, then validates every bounded field.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra config-file search path, used by tests.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("scheduling.maxConcurrentRuns", "MAX_CONCURRENT_RUNS")
	_ = v.BindEnv("spawn.maxDepth", "MAX_SPAWN_DEPTH")
	_ = v.BindEnv("spawn.maxChildrenPerNode", "MAX_CHILDREN_PER_PARENT")
	_ = v.BindEnv("spawn.maxTreeSize", "MAX_TREE_SIZE")
	_ = v.BindEnv("run.defaultTimeoutSeconds", "DEFAULT_TIMEOUT_SECONDS")
	_ = v.BindEnv("run.pollIntervalMs", "POLL_INTERVAL_MS")
	_ = v.BindEnv("run.leaseDurationSeconds", "LEASE_DURATION_SECONDS")
	_ = v.BindEnv("data.dir", "DATA_DIR")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.host", "HOST")
	_ = v.BindEnv("ci.enabled", "CI_ENABLED")
	_ = v.BindEnv("ci.pollIntervalMs", "CI_POLL_INTERVAL_MS")
	_ = v.BindEnv("ci.timeoutMs", "CI_TIMEOUT_MS")
	_ = v.BindEnv("ci.maxIterations", "CI_MAX_ITERATIONS")
	_ = v.BindEnv("ci.skipIfNoWorkflows", "CI_SKIP_IF_NO_WORKFLOWS")
	_ = v.BindEnv("ci.logRetentionCount", "CI_LOG_RETENTION_COUNT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentgate/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate aggregates every bound violation into a single startup error,
// per the "violations abort startup with a single aggregated validation
// error" contract.
func validate(cfg *Config) error {
	var errs []string

	checkRange := func(name string, v, lo, hi int) {
		if v < lo || v > hi {
			errs = append(errs, fmt.Sprintf("%s must be between %d and %d (got %d)", name, lo, hi, v))
		}
	}

	checkRange("scheduling.maxConcurrentRuns", cfg.Scheduling.MaxConcurrentRuns, 1, 100)

	checkRange("spawn.maxDepth", cfg.Spawn.MaxDepth, 1, 10)
	checkRange("spawn.maxChildrenPerNode", cfg.Spawn.MaxChildrenPerNode, 1, 50)
	checkRange("spawn.maxTreeSize", cfg.Spawn.MaxTreeSize, 1, 1000)

	checkRange("run.defaultTimeoutSeconds", cfg.Run.DefaultTimeoutSeconds, 60, 86400)
	checkRange("run.pollIntervalMs", cfg.Run.PollIntervalMs, 1000, 60000)
	checkRange("run.leaseDurationSeconds", cfg.Run.LeaseDurationSeconds, 300, 86400)

	checkRange("server.port", cfg.Server.Port, 1, 65535)

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.CI.Enabled {
		checkRange("ci.pollIntervalMs", cfg.CI.PollIntervalMs, 5000, 300000)
		checkRange("ci.timeoutMs", cfg.CI.TimeoutMs, 60000, 7200000)
		checkRange("ci.maxIterations", cfg.CI.MaxIterations, 1, 10)
		checkRange("ci.logRetentionCount", cfg.CI.LogRetentionCount, 1, 20)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
