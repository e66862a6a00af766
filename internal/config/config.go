// Package config loads ralphd's static YAML configuration: the fleet of
// repositories to drive, scheduler capacity, recovery thresholds, merge
// policy, and the host credentials needed to reach the issue tracker.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the unified static configuration for one ralphd daemon.
type Config struct {
	Version   string         `yaml:"version"`
	Repos     []RepoConfig   `yaml:"repos"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Recovery  RecoveryConfig `yaml:"recovery"`
	Merge     MergeConfig    `yaml:"merge"`
	Paths     PathsConfig    `yaml:"paths"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Auth      AuthConfig     `yaml:"auth"`
}

// RepoConfig is one repository this daemon drives agent tasks against.
type RepoConfig struct {
	Name                  string   `yaml:"name"`
	BaseBranch            string   `yaml:"base_branch,omitempty"`
	BotBranch             string   `yaml:"bot_branch,omitempty"`
	DefaultBranch         string   `yaml:"default_branch,omitempty"`
	MainMergeAllowedLabel string   `yaml:"main_merge_allowed_label,omitempty"`
	AllowedTools          []string `yaml:"allowed_tools,omitempty"`
	Capacity              int      `yaml:"capacity,omitempty"`
}

// SchedulerConfig sizes the fair scheduler's global and per-repo semaphores.
type SchedulerConfig struct {
	GlobalCapacity     int `yaml:"global_capacity"`
	DefaultRepoCapacity int `yaml:"default_repo_capacity"`
}

// RecoveryConfig sets the watchdog/stall thresholds and retry/restart caps
// every RepoWorker's session runs are held to.
type RecoveryConfig struct {
	WatchdogThresholdsMs []int64 `yaml:"watchdog_thresholds_ms,omitempty"`
	StallIdleMs          int64   `yaml:"stall_idle_ms"`
	MaxWatchdogRetries   int     `yaml:"max_watchdog_retries"`
	MaxStallRestarts     int     `yaml:"max_stall_restarts"`
}

// MergeConfig sets the default merge method and quarantine behavior the
// merge gate applies across every repo unless a RepoConfig overrides it.
type MergeConfig struct {
	DefaultMethod            string `yaml:"default_method"`
	CIRemediationMaxAttempts int    `yaml:"ci_remediation_max_attempts"`
	MergeConflictMaxAttempts int    `yaml:"merge_conflict_max_attempts"`
}

// PathsConfig roots the directories ralphd writes to.
type PathsConfig struct {
	WorktreeRoot string `yaml:"worktree_root"`
	RunLogDir    string `yaml:"run_log_dir"`
	StateDir     string `yaml:"state_dir"`
}

// MetricsConfig controls the Prometheus HTTP exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads, expands, normalizes, defaults, and validates a YAML config
// file at path, overlaying any `.env`/`.env.local` file found in the
// working directory onto the process environment first.
func Load(path string) (*Config, error) {
	for _, envFile := range []string{".env", ".env.local"} {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "config: .env overlay not applied: %v\n", err)
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = "1"
	}

	if err := NewDefaultApplier().ApplyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Init writes an example configuration file to path. It refuses to
// overwrite an existing file unless force is set.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	example := Config{
		Version: "1",
		Repos: []RepoConfig{
			{
				Name:                  "acme/widgets",
				BaseBranch:            "main",
				BotBranch:             "ralph-bot",
				DefaultBranch:         "main",
				MainMergeAllowedLabel: "main-merge-allowed",
			},
		},
		Scheduler: SchedulerConfig{GlobalCapacity: 8, DefaultRepoCapacity: 2},
		Recovery: RecoveryConfig{
			StallIdleMs:        120_000,
			MaxWatchdogRetries: 1,
			MaxStallRestarts:   2,
		},
		Merge: MergeConfig{
			DefaultMethod:            "squash",
			CIRemediationMaxAttempts: 3,
			MergeConflictMaxAttempts: 1,
		},
		Paths: PathsConfig{
			WorktreeRoot: "/var/lib/ralphd/worktrees",
			RunLogDir:    "/var/lib/ralphd/logs",
			StateDir:     "/var/lib/ralphd/state",
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Auth:    AuthConfig{Type: AuthTypeToken, Token: "${RALPHD_GITHUB_TOKEN}"},
	}

	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("marshal example config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
