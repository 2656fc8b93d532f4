package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the master configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Registry   RegistryConfig   `yaml:"registry"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Pipelines  PipelinesConfig  `yaml:"pipelines"`
	Local      LocalConfig      `yaml:"local"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	APIKeys []APIKey `yaml:"api_keys"`
	// FleetKey is the shared secret between the master and its agents.
	// The master presents it when dispatching; agents present it when
	// reporting heartbeats, events and results.
	FleetKey string `yaml:"fleet_key"`
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	// Role gates approval decisions made with this key
	Role string `yaml:"role"`
}

// RegistryConfig tunes agent health derivation and the circuit breaker
type RegistryConfig struct {
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	// HeartbeatSweep is how often orphaned builds are swept after an
	// agent stops heartbeating
	HeartbeatSweep time.Duration `yaml:"heartbeat_sweep"`
}

// DispatcherConfig tunes the dispatch loop
type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxQueueTime time.Duration `yaml:"max_queue_time"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
}

// ArtifactsConfig contains artifact storage settings
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// PipelinesConfig points at the pipeline definitions file
type PipelinesConfig struct {
	Path string `yaml:"path"`
}

// LocalConfig runs an in-process worker so a single binary can execute
// builds without any remote agents
type LocalConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxBuilds   int      `yaml:"max_builds"`
	MaxParallel int      `yaml:"max_parallel"`
	Labels      []string `yaml:"labels"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Registry.HeartbeatSweep == 0 {
		cfg.Registry.HeartbeatSweep = 30 * time.Second
	}
	if cfg.Local.MaxBuilds == 0 {
		cfg.Local.MaxBuilds = 2
	}
	if cfg.Local.MaxParallel == 0 {
		cfg.Local.MaxParallel = 4
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
