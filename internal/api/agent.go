package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lei/conveyor/internal/relay"
	"github.com/lei/conveyor/internal/state"
	"github.com/lei/conveyor/internal/worker"
)

// AgentHandlers contains the agent's HTTP handler functions. The agent
// surface is small: accept work, cancel work, relay approval decisions.
type AgentHandlers struct {
	worker *worker.Worker
}

// NewAgentHandlers creates a new agent handlers instance
func NewAgentHandlers(w *worker.Worker) *AgentHandlers {
	return &AgentHandlers{worker: w}
}

// Health handles agent health check requests
func (h *AgentHandlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"active_builds": h.worker.ActiveBuilds(),
		"queued_builds": h.worker.QueuedBuilds(),
	})
}

// Dispatch handles POST /api/v1/dispatch. A full worker answers 503 so
// the master requeues the build elsewhere.
func (h *AgentHandlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	log := GetLogger(r.Context())

	var req relay.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid dispatch payload")
		return
	}
	if req.Build.ID == "" {
		respondError(w, r, http.StatusBadRequest, "dispatch missing build id")
		return
	}

	if err := h.worker.Submit(req); err != nil {
		if errors.Is(err, worker.ErrCapacity) {
			if log != nil {
				log.Info("dispatch refused: at capacity", "build_id", req.Build.ID)
			}
			respondError(w, r, http.StatusServiceUnavailable, "agent at capacity")
			return
		}
		respondError(w, r, http.StatusInternalServerError, "failed to accept build")
		return
	}

	if log != nil {
		log.Info("build accepted",
			"build_id", req.Build.ID,
			"pipeline_id", req.Pipeline.ID)
	}
	w.WriteHeader(http.StatusAccepted)
}

// Cancel handles POST /api/v1/builds/{build_id}/cancel
func (h *AgentHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "build_id")
	if !h.worker.Cancel(buildID) {
		respondError(w, r, http.StatusNotFound, "build not running on this agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Approval handles POST /api/v1/builds/{build_id}/approval with a gate
// decision forwarded by the master
func (h *AgentHandlers) Approval(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "build_id")

	var decision relay.GateDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid decision payload")
		return
	}

	err := h.worker.DecideGate(buildID, decision.StageName, decision.Approve, decision.Actor, decision.ActorRole)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, state.ErrGateNotFound):
		respondError(w, r, http.StatusNotFound, "no pending gate for stage")
	case errors.Is(err, state.ErrGateDecided):
		respondError(w, r, http.StatusConflict, "approval gate already decided")
	case errors.Is(err, state.ErrRoleDenied):
		respondError(w, r, http.StatusForbidden, "actor role does not satisfy gate")
	default:
		respondError(w, r, http.StatusInternalServerError, "failed to apply decision")
	}
}

// NewAgentRouter creates and configures the agent's HTTP router
func NewAgentRouter(handlers *AgentHandlers, authMiddleware *AuthMiddleware, loggingMiddleware *LoggingMiddleware) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware.Handler)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Post("/dispatch", handlers.Dispatch)
		r.Post("/builds/{build_id}/cancel", handlers.Cancel)
		r.Post("/builds/{build_id}/approval", handlers.Approval)
	})

	return r
}
