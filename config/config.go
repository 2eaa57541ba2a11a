// Package config defines the clerkd application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level clerkd configuration.
type Config struct {
	VaultRoot string          `json:"vault_root" yaml:"vault_root"`
	Stages    StageConfig     `json:"stages" yaml:"stages"`
	RulesFile string          `json:"rules_file,omitempty" yaml:"rules_file"`
	ReportDB  string          `json:"report_db" yaml:"report_db"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Executor  ExecutorConfig  `json:"executor" yaml:"executor"`
	Recovery  RecoveryConfig  `json:"recovery" yaml:"recovery"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Approval  ApprovalConfig  `json:"approval" yaml:"approval"`
}

// StageConfig names the vault stage directories. A task's physical stage
// directory is its authoritative state; front-matter status only mirrors it.
type StageConfig struct {
	Inbox      string `json:"inbox" yaml:"inbox"`
	Working    string `json:"working" yaml:"working"`
	Approval   string `json:"approval" yaml:"approval"`
	Quarantine string `json:"quarantine" yaml:"quarantine"`
	Done       string `json:"done" yaml:"done"`
	Plans      string `json:"plans" yaml:"plans"`
	Logs       string `json:"logs" yaml:"logs"`
}

// ExecutorConfig holds the step executor fairness bounds.
type ExecutorConfig struct {
	MaxIter  int `json:"max_iter" yaml:"max_iter"`   // step executions per task per cycle
	MaxTasks int `json:"max_tasks" yaml:"max_tasks"` // tasks advanced per cycle
}

// RecoveryConfig holds the quarantine/retry tunables.
type RecoveryConfig struct {
	StuckThresholdMinutes int `json:"stuck_threshold_minutes" yaml:"stuck_threshold_minutes"`
	RetryDelaySeconds     int `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	MaxRetries            int `json:"max_retries" yaml:"max_retries"`
}

// SchedulerConfig controls the cycle loop and maintenance pass.
type SchedulerConfig struct {
	IntervalSeconds  int   `json:"interval_seconds" yaml:"interval_seconds"`
	ReportEveryHours int   `json:"report_every_hours" yaml:"report_every_hours"`
	MaxLogBytes      int64 `json:"max_log_bytes" yaml:"max_log_bytes"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	// StaleAfterHours only affects status reporting; pending requests are
	// never auto-resolved no matter how old they get.
	StaleAfterHours int `json:"stale_after_hours" yaml:"stale_after_hours"`
	// WaitTimeoutSeconds bounds the blocking single-shot submission path.
	WaitTimeoutSeconds int `json:"wait_timeout_seconds" yaml:"wait_timeout_seconds"`
	PollSeconds        int `json:"poll_seconds" yaml:"poll_seconds"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		VaultRoot: "./vault",
		Stages: StageConfig{
			Inbox:      "Inbox",
			Working:    "Needs_Action",
			Approval:   "Needs_Approval",
			Quarantine: "Errors",
			Done:       "Done",
			Plans:      "Plans",
			Logs:       "Logs",
		},
		ReportDB: "clerk.db",
		LogLevel: "info",
		Executor: ExecutorConfig{
			MaxIter:  5,
			MaxTasks: 10,
		},
		Recovery: RecoveryConfig{
			StuckThresholdMinutes: 15,
			RetryDelaySeconds:     300,
			MaxRetries:            3,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds:  300,
			ReportEveryHours: 24,
			MaxLogBytes:      5 * 1024 * 1024,
		},
		Approval: ApprovalConfig{
			StaleAfterHours:    0, // disabled
			WaitTimeoutSeconds: 3600,
			PollSeconds:        5,
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// StuckThreshold returns the recovery staleness threshold as a duration.
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.Recovery.StuckThresholdMinutes) * time.Minute
}

// RetryDelay returns the quarantine retry delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Recovery.RetryDelaySeconds) * time.Second
}

// Interval returns the scheduler cycle interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// ReportEvery returns the rolling reporting window as a duration.
func (c *Config) ReportEvery() time.Duration {
	return time.Duration(c.Scheduler.ReportEveryHours) * time.Hour
}

// ReportDBPath resolves the report database path relative to the vault root.
func (c *Config) ReportDBPath() string {
	if filepath.IsAbs(c.ReportDB) {
		return c.ReportDB
	}
	return filepath.Join(c.VaultRoot, c.Stages.Logs, c.ReportDB)
}
