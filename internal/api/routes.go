package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and configures the master's HTTP router
func NewRouter(handlers *Handlers, authMiddleware *AuthMiddleware, loggingMiddleware *LoggingMiddleware, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - ORDER MATTERS!
	r.Use(middleware.RequestID)      // Generate request ID first
	r.Use(middleware.RealIP)         // Extract real IP
	r.Use(loggingMiddleware.Handler) // Add logger to context with request ID
	r.Use(middleware.Recoverer)      // Panic recovery
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"}, // Expose request ID
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health and metrics endpoints (no auth required)
	r.Get("/health", handlers.Health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// API v1 routes (with authentication)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		// Pipelines
		r.Get("/pipelines", handlers.ListPipelines)
		r.Get("/pipelines/{pipeline_id}", handlers.GetPipeline)
		r.Post("/pipelines/{pipeline_id}/builds", handlers.TriggerBuild)

		// Builds
		r.Get("/builds", handlers.ListBuilds)
		r.Get("/builds/{build_id}", handlers.GetBuild)
		r.Post("/builds/{build_id}/cancel", handlers.CancelBuild)
		r.Post("/builds/{build_id}/retry", handlers.RetryBuild)
		r.Get("/builds/{build_id}/events", handlers.Events)
		r.Post("/builds/{build_id}/events", handlers.IngestEvent)
		r.Post("/builds/{build_id}/result", handlers.IngestResult)
		r.Get("/builds/{build_id}/artifacts", handlers.ListArtifacts)
		r.Post("/builds/{build_id}/artifacts", handlers.UploadArtifacts)
		r.Get("/builds/{build_id}/artifacts/{name}", handlers.DownloadArtifact)
		r.Get("/builds/{build_id}/approvals", handlers.ListApprovals)

		// Approvals
		r.Post("/approvals/{gate_id}/approve", handlers.Approve)
		r.Post("/approvals/{gate_id}/reject", handlers.Reject)

		// Agents
		r.Post("/agents/heartbeat", handlers.Heartbeat)
		r.Get("/agents", handlers.ListAgents)
		r.Get("/agents/{agent_id}", handlers.GetAgent)
		r.Post("/agents/{agent_id}/drain", handlers.DrainAgent)
	})

	return r
}
