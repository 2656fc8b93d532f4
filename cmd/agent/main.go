package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lei/conveyor/internal/api"
	"github.com/lei/conveyor/internal/config"
	"github.com/lei/conveyor/internal/executor"
	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/relay"
	"github.com/lei/conveyor/internal/state"
	"github.com/lei/conveyor/internal/worker"
	"github.com/lei/conveyor/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	// Load .env file (ignore error if file doesn't exist - env vars might be set externally)
	_ = godotenv.Load()

	configFile := os.Getenv("AGENT_CONFIG")
	if configFile == "" {
		configFile = "configs/agent.yaml"
	}

	cfg, err := config.LoadAgent(configFile)
	if err != nil {
		return err
	}

	appLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	// Each build the agent runs lives in its own local store; progress is
	// relayed to the master as it happens and the final result at the end.
	store := state.NewStore(appLogger)
	masterClient := relay.NewMasterClient(cfg.Master.URL, cfg.Master.APIKey, appLogger)
	w := worker.New(worker.Config{
		MaxBuilds:   cfg.MaxBuilds,
		QueueOnFull: cfg.QueueOnFull,
		QueueSize:   cfg.QueueSize,
		MaxParallel: cfg.MaxParallel,
	}, store, &executor.ShellRunner{Shell: cfg.Shell}, masterClient, appLogger)

	handlers := api.NewAgentHandlers(w)
	// The master authenticates to the agent with the shared fleet key
	var keys []config.APIKey
	if cfg.Master.APIKey != "" {
		keys = append(keys, config.APIKey{Name: "master", Key: cfg.Master.APIKey})
	}
	auth := api.NewAuthMiddleware(keys)
	logging := api.NewLoggingMiddleware(appLogger)
	router := api.NewAgentRouter(handlers, auth, logging)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go heartbeatLoop(ctx, cfg, w, masterClient, appLogger)

	serverErrors := make(chan error, 1)
	go func() {
		appLogger.Info("starting agent http server",
			"agent_id", cfg.AgentID,
			"port", cfg.Server.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		appLogger.Info("shutdown signal received")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		appLogger.Info("agent stopped gracefully")
		return nil
	}
}

// heartbeatLoop announces the agent to the master and keeps reporting load.
// The first heartbeat registers the agent; a master restart re-learns the
// fleet the same way.
func heartbeatLoop(ctx context.Context, cfg *config.AgentConfig, w *worker.Worker, client *relay.MasterClient, log *logger.Logger) {
	send := func() {
		hbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err := client.Heartbeat(hbCtx, models.Heartbeat{
			AgentID:       cfg.AgentID,
			Name:          cfg.Name,
			URL:           cfg.URL,
			Labels:        cfg.Labels,
			MaxBuilds:     cfg.MaxBuilds,
			CurrentBuilds: w.ActiveBuilds(),
		})
		if err != nil {
			log.Warn("heartbeat failed", "error", err)
		}
	}

	send()
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}
