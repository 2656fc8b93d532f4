package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig represents the agent configuration
type AgentConfig struct {
	// AgentID identifies this agent to the master; it must be stable
	// across restarts
	AgentID string `yaml:"agent_id"`
	Name    string `yaml:"name"`
	// URL is how the master reaches this agent's API
	URL    string       `yaml:"url"`
	Server ServerConfig `yaml:"server"`

	Master MasterConfig `yaml:"master"`

	Labels      []string `yaml:"labels"`
	MaxBuilds   int      `yaml:"max_builds"`
	MaxParallel int      `yaml:"max_parallel"`
	// QueueOnFull queues dispatches beyond max_builds instead of
	// answering busy
	QueueOnFull bool `yaml:"queue_on_full"`
	QueueSize   int  `yaml:"queue_size"`

	// Shell runs build steps; defaults to sh
	Shell string `yaml:"shell"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Logging LoggingConfig `yaml:"logging"`
}

// MasterConfig tells the agent where the master lives
type MasterConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// LoadAgent reads and parses the agent configuration file
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg AgentConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}

	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent config missing agent_id")
	}
	if cfg.Master.URL == "" {
		return nil, fmt.Errorf("agent config missing master.url")
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxBuilds == 0 {
		cfg.MaxBuilds = 2
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 4
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	return &cfg, nil
}
