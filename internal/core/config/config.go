package config

import (
	"time"

	redisclient "github.com/pipewatch/pipewatch/internal/infra/redis"
	"github.com/pipewatch/pipewatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig   `yaml:"server"`
	Repositories []RepoConfig   `yaml:"repositories"`
	Monitor      MonitorConfig  `yaml:"monitor"`
	Recovery     RecoveryConfig `yaml:"recovery"`
	Executor     ExecutorConfig `yaml:"executor"`
	Notify       NotifyConfig   `yaml:"notify"`
	Redis        redisclient.Config `yaml:"redis"`
	Database     postgres.Config    `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RepoConfig holds settings for one monitored repository.
type RepoConfig struct {
	Name          string `yaml:"name"`
	PrimaryBranch string `yaml:"primary_branch"`
	AutoRecovery  bool   `yaml:"auto_recovery"`
}

// MonitorConfig holds thresholds for notification and escalation.
type MonitorConfig struct {
	Window                 time.Duration `yaml:"window"`
	EscalationThreshold    int           `yaml:"escalation_threshold"`
	Cooldown               time.Duration `yaml:"cooldown"`
	SeverityRetryThreshold int           `yaml:"severity_retry_threshold"`
	Workers                int           `yaml:"workers"`
}

// RecoveryConfig holds recovery manager settings.
type RecoveryConfig struct {
	MaxAutoAttempts     int           `yaml:"max_auto_attempts"`
	ExecutorTimeout     time.Duration `yaml:"executor_timeout"`
	Backoff             BackoffConfig `yaml:"backoff"`
	RequiredStateKeys   []string      `yaml:"required_state_keys"`
	CheckpointRetention time.Duration `yaml:"checkpoint_retention"` // 0 = keep forever
}

// BackoffConfig controls the delay between automatic recovery attempts.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// ExecutorConfig holds endpoints for the external CI executor and the
// artifact/dependency validation services.
type ExecutorConfig struct {
	URL           string        `yaml:"url"`
	ArtifactURL   string        `yaml:"artifact_url"`
	DependencyURL string        `yaml:"dependency_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// NotifyConfig holds notification delivery settings. An empty webhook URL
// falls back to the structured-log notifier.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Repo returns the configuration for a repository, falling back to a
// default entry (primary branch "main", auto recovery off).
func (c *AppConfig) Repo(name string) RepoConfig {
	for _, r := range c.Repositories {
		if r.Name == name {
			return r
		}
	}
	return RepoConfig{Name: name, PrimaryBranch: "main"}
}
