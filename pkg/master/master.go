// Package master provides a reusable CI master that can be embedded into
// other Go applications.
package master

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lei/conveyor/internal/api"
	"github.com/lei/conveyor/internal/config"
	"github.com/lei/conveyor/internal/dispatch"
	"github.com/lei/conveyor/internal/executor"
	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/pipeline"
	"github.com/lei/conveyor/internal/registry"
	"github.com/lei/conveyor/internal/relay"
	"github.com/lei/conveyor/internal/service"
	"github.com/lei/conveyor/internal/state"
	"github.com/lei/conveyor/internal/telemetry"
	"github.com/lei/conveyor/internal/worker"
	"github.com/lei/conveyor/pkg/logger"
)

// LocalAgentID is the registry ID of the in-process worker when local
// execution is enabled
const LocalAgentID = "local"

// Master represents a conveyor master instance that can be embedded in
// applications
type Master struct {
	config     *Config
	service    *service.Service
	store      *state.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	local      *worker.Worker
	router     http.Handler
	server     *http.Server
	logger     *logger.Logger
	sweep      time.Duration
	heartbeat  time.Duration
}

// Config holds the configuration for the Master
type Config struct {
	// Server configuration
	Server ServerConfig

	// Authentication configuration
	Auth AuthConfig

	// Fleet configuration: agent health derivation and circuit breaker
	Fleet FleetConfig

	// Dispatch loop configuration
	Dispatch DispatchConfig

	// ArtifactDir is where uploaded artifacts are stored
	ArtifactDir string

	// Pipelines are the pipeline definitions served by this master
	Pipelines []pipeline.Def

	// Local runs an in-process worker so builds execute without agents
	Local LocalConfig

	// Logger configuration
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// APIKeys is a list of API keys for authentication
	APIKeys []APIKey
	// FleetKey is the shared secret between the master and its agents
	FleetKey string
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string
	Key  string
	Role string
}

// FleetConfig tunes agent health derivation and the circuit breaker
type FleetConfig struct {
	OfflineThreshold time.Duration
	FailureThreshold int
	OpenTimeout      time.Duration
	HeartbeatSweep   time.Duration
}

// DispatchConfig tunes the dispatch loop
type DispatchConfig struct {
	PollInterval time.Duration
	MaxQueueTime time.Duration
	SendTimeout  time.Duration
}

// LocalConfig enables the in-process worker
type LocalConfig struct {
	Enabled     bool
	MaxBuilds   int
	MaxParallel int
	Labels      []string
	Shell       string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// New creates a new Master instance with the provided configuration
func New(cfg *Config) (*Master, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(cfg.Pipelines) == 0 {
		return nil, fmt.Errorf("at least one pipeline definition required")
	}
	for _, def := range cfg.Pipelines {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", def.ID, err)
		}
	}

	// Initialize logger
	appLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	metrics := telemetry.New()
	store := state.NewStore(appLogger)
	reg := registry.New(registry.Config{
		OfflineThreshold: cfg.Fleet.OfflineThreshold,
		FailureThreshold: cfg.Fleet.FailureThreshold,
		OpenTimeout:      cfg.Fleet.OpenTimeout,
	}, appLogger, metrics)

	// Outbound client for dispatch, cancel and approval forwarding
	var agentClient *relay.AgentClient
	var sender dispatch.Sender
	if cfg.Auth.FleetKey != "" {
		agentClient = relay.NewAgentClient(cfg.Auth.FleetKey, appLogger)
		sender = dispatch.NewAgentSender(agentClient)
	}

	// In-process worker shares the master's store, so its builds need no
	// event relay
	var local *worker.Worker
	if cfg.Local.Enabled {
		local = worker.New(worker.Config{
			MaxBuilds:   cfg.Local.MaxBuilds,
			MaxParallel: cfg.Local.MaxParallel,
		}, store, &executor.ShellRunner{Shell: cfg.Local.Shell}, nil, appLogger)
		sender = dispatch.NewLocalSender(local, sender)
	}
	if sender == nil {
		return nil, fmt.Errorf("no execution target: set auth.FleetKey for remote agents or enable local execution")
	}

	dispatcher := dispatch.New(dispatch.Config{
		PollInterval: cfg.Dispatch.PollInterval,
		MaxQueueTime: cfg.Dispatch.MaxQueueTime,
		SendTimeout:  cfg.Dispatch.SendTimeout,
	}, store, reg, sender, appLogger, metrics)

	svc := service.New(service.Options{
		Pipelines:   cfg.Pipelines,
		Store:       store,
		Registry:    reg,
		Dispatcher:  dispatcher,
		AgentClient: agentClient,
		LocalWorker: local,
		ArtifactDir: cfg.ArtifactDir,
		Logger:      appLogger,
		Metrics:     metrics,
	})

	// Initialize API layer
	handlers := api.NewHandlers(svc)

	// Convert APIKeys to internal config format; the fleet key is a valid
	// inbound credential so agents can report back
	configAPIKeys := make([]config.APIKey, 0, len(cfg.Auth.APIKeys)+1)
	for _, key := range cfg.Auth.APIKeys {
		configAPIKeys = append(configAPIKeys, config.APIKey{
			Name: key.Name,
			Key:  key.Key,
			Role: key.Role,
		})
	}
	if cfg.Auth.FleetKey != "" {
		configAPIKeys = append(configAPIKeys, config.APIKey{Name: "fleet", Key: cfg.Auth.FleetKey})
	}
	authMiddleware := api.NewAuthMiddleware(configAPIKeys)
	loggingMiddleware := api.NewLoggingMiddleware(appLogger)
	router := api.NewRouter(handlers, authMiddleware, loggingMiddleware, metrics.Handler())

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sweep := cfg.Fleet.HeartbeatSweep
	if sweep == 0 {
		sweep = 30 * time.Second
	}

	return &Master{
		config:     cfg,
		service:    svc,
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
		local:      local,
		router:     router,
		server:     srv,
		logger:     appLogger,
		sweep:      sweep,
		heartbeat:  15 * time.Second,
	}, nil
}

// Start starts the dispatcher, background monitors and the HTTP server.
// This is a blocking call that will run until the context is canceled or
// an error occurs.
func (m *Master) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.StartBackground(runCtx)

	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		m.logger.Info("starting http server", "port", m.config.Server.Port)
		serverErrors <- m.server.ListenAndServe()
	}()

	// Wait for context cancellation or server error
	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		m.logger.Info("shutdown signal received")

		// Graceful shutdown with 30s timeout
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()

		if err := m.server.Shutdown(shutdownCtx); err != nil {
			m.server.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		m.logger.Info("server stopped gracefully")
		return nil
	}
}

// StartBackground runs the dispatcher, agent monitors and local worker
// without the HTTP server. Use this when serving Handler through your own
// server; everything stops when ctx is canceled.
func (m *Master) StartBackground(ctx context.Context) {
	go m.dispatcher.Run(ctx)
	go m.service.MonitorAgents(ctx, m.sweep)
	if m.local != nil {
		m.registerLocalAgent()
		go m.localHeartbeatLoop(ctx)
	}
}

// registerLocalAgent makes the in-process worker visible to the dispatcher.
// An empty URL marks it as in-process; the local sender picks it up.
func (m *Master) registerLocalAgent() {
	maxBuilds := m.config.Local.MaxBuilds
	if maxBuilds <= 0 {
		maxBuilds = 1
	}
	m.registry.Register(models.Agent{
		ID:        LocalAgentID,
		Name:      "local worker",
		Labels:    m.config.Local.Labels,
		MaxBuilds: maxBuilds,
	})
	m.registry.RecordHeartbeat(models.Heartbeat{AgentID: LocalAgentID})
}

// localHeartbeatLoop keeps the in-process worker reading as online
func (m *Master) localHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.registry.RecordHeartbeat(models.Heartbeat{
				AgentID:       LocalAgentID,
				CurrentBuilds: m.local.ActiveBuilds(),
			})
		}
	}
}

// Handler returns the http.Handler for the master
// Use this if you want to integrate the master into an existing HTTP server
func (m *Master) Handler() http.Handler {
	return m.router
}

// Service returns the underlying service layer
// Use this for direct programmatic access to master functionality
func (m *Master) Service() *service.Service {
	return m.service
}

// NewFromConfig creates a Master from the YAML configuration file and the
// pipeline definitions file it points at
func NewFromConfig(configFile string) (*Master, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	defs, err := config.LoadPipelines(cfg.Pipelines.Path)
	if err != nil {
		return nil, fmt.Errorf("load pipelines: %w", err)
	}

	// Convert APIKeys from internal config format
	apiKeys := make([]APIKey, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		apiKeys[i] = APIKey{
			Name: key.Name,
			Key:  key.Key,
			Role: key.Role,
		}
	}

	masterConfig := &Config{
		Server: ServerConfig{
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		Auth: AuthConfig{
			APIKeys:  apiKeys,
			FleetKey: cfg.Auth.FleetKey,
		},
		Fleet: FleetConfig{
			OfflineThreshold: cfg.Registry.OfflineThreshold,
			FailureThreshold: cfg.Registry.FailureThreshold,
			OpenTimeout:      cfg.Registry.OpenTimeout,
			HeartbeatSweep:   cfg.Registry.HeartbeatSweep,
		},
		Dispatch: DispatchConfig{
			PollInterval: cfg.Dispatcher.PollInterval,
			MaxQueueTime: cfg.Dispatcher.MaxQueueTime,
			SendTimeout:  cfg.Dispatcher.SendTimeout,
		},
		ArtifactDir: cfg.Artifacts.Dir,
		Pipelines:   defs,
		Local: LocalConfig{
			Enabled:     cfg.Local.Enabled,
			MaxBuilds:   cfg.Local.MaxBuilds,
			MaxParallel: cfg.Local.MaxParallel,
			Labels:      cfg.Local.Labels,
		},
		Logging: LoggingConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		},
	}

	return New(masterConfig)
}
