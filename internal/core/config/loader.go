package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Monitor.Window == 0 {
		cfg.Monitor.Window = 7 * 24 * time.Hour
	}
	if cfg.Monitor.EscalationThreshold == 0 {
		cfg.Monitor.EscalationThreshold = 3
	}
	if cfg.Monitor.Cooldown == 0 {
		cfg.Monitor.Cooldown = 4 * time.Hour
	}
	if cfg.Monitor.SeverityRetryThreshold == 0 {
		cfg.Monitor.SeverityRetryThreshold = 2
	}
	if cfg.Monitor.Workers == 0 {
		cfg.Monitor.Workers = 4
	}

	if cfg.Recovery.MaxAutoAttempts == 0 {
		cfg.Recovery.MaxAutoAttempts = 3
	}
	if cfg.Recovery.ExecutorTimeout == 0 {
		cfg.Recovery.ExecutorTimeout = 2 * time.Minute
	}
	if cfg.Recovery.Backoff.Initial == 0 {
		cfg.Recovery.Backoff.Initial = 30 * time.Second
	}
	if cfg.Recovery.Backoff.Max == 0 {
		cfg.Recovery.Backoff.Max = 15 * time.Minute
	}
	if cfg.Recovery.Backoff.Multiplier == 0 {
		cfg.Recovery.Backoff.Multiplier = 2.0
	}

	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = cfg.Recovery.ExecutorTimeout
	}

	for i := range cfg.Repositories {
		if cfg.Repositories[i].PrimaryBranch == "" {
			cfg.Repositories[i].PrimaryBranch = "main"
		}
	}
}
