package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/registry"
	"github.com/lei/conveyor/internal/service"
	"github.com/lei/conveyor/internal/state"
)

// Handlers contains the master's HTTP handler functions
type Handlers struct {
	service *service.Service
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc *service.Service) *Handlers {
	return &Handlers{service: svc}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// Health handles health check requests
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.service.HealthCheck(r.Context())
	status := http.StatusOK
	if health["status"] != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

// ListPipelines handles GET /api/v1/pipelines
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines := h.service.ListPipelines(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines": pipelines,
	})
}

// GetPipeline handles GET /api/v1/pipelines/{pipeline_id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	def, err := h.service.GetPipeline(r.Context(), chi.URLParam(r, "pipeline_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline": def,
	})
}

// TriggerBuild handles POST /api/v1/pipelines/{pipeline_id}/builds
func (h *Handlers) TriggerBuild(w http.ResponseWriter, r *http.Request) {
	log := GetLogger(r.Context())
	pipelineID := chi.URLParam(r, "pipeline_id")

	var req struct {
		Trigger    string            `json:"trigger"`
		Parameters map[string]string `json:"parameters"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if log != nil {
				log.Warn("invalid request body", "error", err)
			}
			respondError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Trigger == "" {
		req.Trigger = "manual"
	}

	build, err := h.service.Trigger(r.Context(), pipelineID, req.Trigger, req.Parameters)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"build": build,
	})
}

// ListBuilds handles GET /api/v1/builds
func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if limitStr := q.Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	builds := FilterBuilds(h.service.ListBuilds(r.Context()), q.Get("status"), q.Get("pipeline"), limit)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"builds": builds,
	})
}

// GetBuild handles GET /api/v1/builds/{build_id}
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	build, stages, steps, err := h.service.BuildDetail(r.Context(), chi.URLParam(r, "build_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"build":  build,
		"stages": stages,
		"steps":  steps,
	})
}

// CancelBuild handles POST /api/v1/builds/{build_id}/cancel
func (h *Handlers) CancelBuild(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), chi.URLParam(r, "build_id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryBuild handles POST /api/v1/builds/{build_id}/retry
func (h *Handlers) RetryBuild(w http.ResponseWriter, r *http.Request) {
	build, err := h.service.Retry(r.Context(), chi.URLParam(r, "build_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"build": build,
	})
}

// Events handles GET /api/v1/builds/{build_id}/events. Clients accepting
// text/event-stream get a live SSE feed; everyone else gets the log so far.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "build_id")

	if r.Header.Get("Accept") == "text/event-stream" {
		h.streamEvents(w, r, buildID)
		return
	}

	events, err := h.service.Events(r.Context(), buildID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

func (h *Handlers) streamEvents(w http.ResponseWriter, r *http.Request, buildID string) {
	log := GetLogger(r.Context())

	past, live, unsub, err := h.service.SubscribeEvents(r.Context(), buildID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	requestID := GetRequestID(r.Context())
	fmt.Fprintf(w, "event: connected\ndata: {\"request_id\":%q}\n\n", requestID)
	flusher.Flush()

	writeEvent := func(ev models.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
		// the stream ends itself once the build settles
		return ev.Type == models.EventBuild && models.BuildStatus(ev.Status).Terminal()
	}

	for _, ev := range past {
		if writeEvent(ev) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			if log != nil {
				log.Debug("event stream client disconnected", "build_id", buildID)
			}
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if writeEvent(ev) {
				return
			}
		}
	}
}

// IngestEvent handles POST /api/v1/builds/{build_id}/events from agents
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "build_id")

	var ev models.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid event payload")
		return
	}

	if err := h.service.ApplyEvent(r.Context(), buildID, ev); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// IngestResult handles POST /api/v1/builds/{build_id}/result from agents
func (h *Handlers) IngestResult(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "build_id")

	var result models.Build
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid result payload")
		return
	}

	if err := h.service.ApplyResult(r.Context(), buildID, result); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// UploadArtifacts handles POST /api/v1/builds/{build_id}/artifacts. Each
// file in the multipart batch is stored independently; failures are
// reported per file and never discard the rest of the batch.
func (h *Handlers) UploadArtifacts(w http.ResponseWriter, r *http.Request) {
	log := GetLogger(r.Context())
	buildID := chi.URLParam(r, "build_id")

	if _, err := h.service.GetBuild(r.Context(), buildID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "expected multipart upload")
		return
	}

	var uploaded []string
	failed := make(map[string]string)
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		name := part.FileName()
		if name == "" {
			part.Close()
			continue
		}
		if err := h.service.SaveArtifact(r.Context(), buildID, name, part); err != nil {
			if log != nil {
				log.Warn("artifact rejected", "build_id", buildID, "artifact", name, "error", err)
			}
			failed[name] = err.Error()
		} else {
			uploaded = append(uploaded, name)
		}
		part.Close()
	}

	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusMultiStatus
	}
	if len(failed) == 0 {
		failed = nil
	}
	respondJSON(w, status, map[string]interface{}{
		"uploaded": uploaded,
		"failed":   failed,
	})
}

// ListArtifacts handles GET /api/v1/builds/{build_id}/artifacts
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	names, err := h.service.ListArtifacts(r.Context(), chi.URLParam(r, "build_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": names,
	})
}

// DownloadArtifact handles GET /api/v1/builds/{build_id}/artifacts/{name}
func (h *Handlers) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "build_id")
	name := chi.URLParam(r, "name")

	rc, err := h.service.OpenArtifact(r.Context(), buildID, name)
	if err != nil {
		if os.IsNotExist(err) {
			respondError(w, r, http.StatusNotFound, "artifact not found")
			return
		}
		handleServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, rc); err != nil {
		if log := GetLogger(r.Context()); log != nil {
			log.Error("artifact download aborted",
				"build_id", buildID,
				"artifact", name,
				"error", err)
		}
	}
}

// Heartbeat handles POST /api/v1/agents/heartbeat
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid heartbeat payload")
		return
	}
	if hb.AgentID == "" {
		respondError(w, r, http.StatusBadRequest, "heartbeat missing agent_id")
		return
	}
	h.service.Heartbeat(r.Context(), hb)
	w.WriteHeader(http.StatusAccepted)
}

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents := FilterAgents(h.service.ListAgents(r.Context()), q.Get("status"), q.Get("label"))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}

// GetAgent handles GET /api/v1/agents/{agent_id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.service.GetAgent(r.Context(), chi.URLParam(r, "agent_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent": agent,
	})
}

// DrainAgent handles POST /api/v1/agents/{agent_id}/drain
func (h *Handlers) DrainAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	draining := true
	if v := parseBoolParam(r.URL.Query().Get("draining")); v != nil {
		draining = *v
	}

	if err := h.service.SetAgentDraining(r.Context(), agentID, draining); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListApprovals handles GET /api/v1/builds/{build_id}/approvals
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "build_id")
	if _, err := h.service.GetBuild(r.Context(), buildID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": h.service.ListApprovals(r.Context(), buildID),
	})
}

// Approve handles POST /api/v1/approvals/{gate_id}/approve
func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// Reject handles POST /api/v1/approvals/{gate_id}/reject
func (h *Handlers) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *Handlers) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	gateID := chi.URLParam(r, "gate_id")

	var req struct {
		Actor string `json:"actor"`
		Role  string `json:"role"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Actor == "" {
		req.Actor = GetAPIKeyName(r.Context())
	}
	// the authenticated key's role wins over anything self-declared
	role := GetAPIKeyRole(r.Context())
	if role == "" {
		role = req.Role
	}

	gate, err := h.service.Decide(r.Context(), gateID, approve, req.Actor, role)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"approval": gate,
	})
}

// respondError writes a JSON error response with logging
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	log := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	if log != nil {
		log.Error("returning error response",
			"status", status,
			"message", message,
			"request_id", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message":    message,
			"code":       status,
			"request_id": requestID,
		},
	})
}

// handleServiceError maps service errors to HTTP responses
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := GetLogger(r.Context())

	if log != nil {
		log.Error("service error occurred",
			"error", err.Error(),
			"error_type", fmt.Sprintf("%T", err))
	}

	switch {
	case errors.Is(err, service.ErrPipelineNotFound):
		respondError(w, r, http.StatusNotFound, "pipeline not found")
	case errors.Is(err, state.ErrBuildNotFound):
		respondError(w, r, http.StatusNotFound, "build not found")
	case errors.Is(err, state.ErrStageNotFound):
		respondError(w, r, http.StatusNotFound, "stage not found")
	case errors.Is(err, state.ErrGateNotFound):
		respondError(w, r, http.StatusNotFound, "approval gate not found")
	case errors.Is(err, registry.ErrAgentNotFound):
		respondError(w, r, http.StatusNotFound, "agent not found")
	case errors.Is(err, service.ErrInvalidPipeline):
		respondError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrBuildFinished):
		respondError(w, r, http.StatusConflict, "build already finished")
	case errors.Is(err, service.ErrBuildNotFinished):
		respondError(w, r, http.StatusConflict, "build has not finished")
	case errors.Is(err, state.ErrGateDecided):
		respondError(w, r, http.StatusConflict, "approval gate already decided")
	case errors.Is(err, state.ErrRoleDenied):
		respondError(w, r, http.StatusForbidden, "actor role does not satisfy gate")
	default:
		var te *state.TransitionError
		if errors.As(err, &te) {
			respondError(w, r, http.StatusConflict, te.Error())
			return
		}
		respondError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
