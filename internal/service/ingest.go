package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/state"
)

// ApplyEvent ingests one event relayed by an agent, mirroring the remote
// executor's transitions into the master's state machine. Transitions the
// master already saw are tolerated; anything else propagates.
func (s *Service) ApplyEvent(ctx context.Context, buildID string, ev models.Event) error {
	log := s.getLogger(ctx)

	var err error
	switch ev.Type {
	case models.EventBuild:
		_, err = s.store.TransitionBuild(buildID, models.BuildStatus(ev.Status), ev.Message)
	case models.EventStage:
		err = s.store.TransitionStage(buildID, ev.StageName, models.StageStatus(ev.Status), ev.Message)
	case models.EventStep:
		err = s.store.TransitionStep(buildID, ev.StageName, ev.StepName, models.StageStatus(ev.Status), nil, ev.Message)
	case models.EventApproval:
		if ev.Gate != nil {
			s.store.SyncGate(*ev.Gate)
		}
		return s.store.AppendEvent(buildID, ev)
	case models.EventLog:
		return s.store.AppendEvent(buildID, ev)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	var te *state.TransitionError
	if errors.As(err, &te) {
		// duplicate delivery or an attempt-level retry event; the
		// record already reflects it
		log.Debug("service: event already applied",
			"build_id", buildID,
			"type", string(ev.Type),
			"status", ev.Status)
		return nil
	}
	return err
}

// ApplyResult ingests a terminal build snapshot from an agent. The agent's
// capacity is released and its breaker credited with a dispatch success
// regardless of the build's own outcome; a failed build on a live agent is
// still a completed dispatch.
func (s *Service) ApplyResult(ctx context.Context, buildID string, result models.Build) error {
	log := s.getLogger(ctx)

	if !result.Status.Terminal() {
		return fmt.Errorf("result for build %s is not terminal: %s", buildID, result.Status)
	}

	build, err := s.store.GetBuild(buildID)
	if err != nil {
		return err
	}

	if !build.Status.Terminal() {
		if _, err := s.store.TransitionBuild(buildID, result.Status, result.Reason); err != nil {
			var te *state.TransitionError
			if errors.As(err, &te) && build.Status == models.BuildQueued {
				// events were lost; pass through running so the
				// terminal status can land
				if _, err := s.store.TransitionBuild(buildID, models.BuildRunning, ""); err == nil {
					_, err = s.store.TransitionBuild(buildID, result.Status, result.Reason)
					if err != nil {
						return err
					}
				}
			} else {
				return err
			}
		}
	}

	if build.AgentID != "" {
		s.registry.Release(build.AgentID)
		// the delivered terminal result is the breaker's success signal;
		// the dispatch ACK alone proves nothing about the agent surviving
		// the build
		s.registry.ReportOutcome(build.AgentID, true)
	}
	s.observeCompletion(buildID)

	log.Info("service: build result applied",
		"build_id", buildID,
		"status", string(result.Status),
		"agent_id", build.AgentID)
	return nil
}

// Heartbeat ingests an agent heartbeat
func (s *Service) Heartbeat(ctx context.Context, hb models.Heartbeat) {
	s.registry.RecordHeartbeat(hb)
}

// ListAgents returns the fleet with derived status
func (s *Service) ListAgents(ctx context.Context) []models.Agent {
	return s.registry.List()
}

// GetAgent returns one agent snapshot
func (s *Service) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	return s.registry.Get(agentID)
}

// SetAgentDraining flips the operator drain flag
func (s *Service) SetAgentDraining(ctx context.Context, agentID string, draining bool) error {
	return s.registry.SetDraining(agentID, draining)
}

// MonitorAgents fails in-flight builds whose agent stopped heartbeating.
// Each loss also counts as a dispatch failure for the agent's breaker.
func (s *Service) MonitorAgents(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLostAgents()
			s.syncActiveBuilds()
		}
	}
}

// syncActiveBuilds refreshes the running-builds gauge from the store.
// Local worker builds bypass the service, so the count is recomputed
// rather than maintained incrementally.
func (s *Service) syncActiveBuilds() {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, b := range s.store.ListBuilds() {
		if b.Status == models.BuildRunning {
			n++
		}
	}
	s.metrics.ActiveBuilds.Set(float64(n))
}

func (s *Service) sweepLostAgents() {
	offline := make(map[string]bool)
	for _, agent := range s.registry.List() {
		if agent.Status == models.AgentOffline {
			offline[agent.ID] = true
		}
	}
	if len(offline) == 0 {
		return
	}

	for _, build := range s.store.ListBuilds() {
		if build.Status.Terminal() || build.AgentID == "" || !offline[build.AgentID] {
			continue
		}
		if _, err := s.store.TransitionBuild(build.ID, models.BuildFailure, "agent heartbeat lost"); err != nil {
			s.logger.Error("service: failing orphaned build failed",
				"build_id", build.ID,
				"error", err)
			continue
		}
		s.registry.ReportOutcome(build.AgentID, false)
		s.registry.Release(build.AgentID)
		s.observeCompletion(build.ID)
		s.logger.Warn("service: build failed after agent heartbeat loss",
			"build_id", build.ID,
			"agent_id", build.AgentID)
	}
}

func (s *Service) observeCompletion(buildID string) {
	if s.metrics == nil {
		return
	}
	build, err := s.store.GetBuild(buildID)
	if err != nil || build.StartedAt == nil || build.CompletedAt == nil {
		return
	}
	s.metrics.BuildDuration.Observe(build.CompletedAt.Sub(*build.StartedAt).Seconds())
}

// HealthCheck reports the master's component health
func (s *Service) HealthCheck(ctx context.Context) map[string]interface{} {
	agents := s.registry.List()
	online := 0
	for _, a := range agents {
		if a.Status == models.AgentOnline {
			online++
		}
	}

	health := map[string]interface{}{
		"status":  "healthy",
		"service": "conveyor-master",
		"checks": map[string]interface{}{
			"pipelines": map[string]interface{}{
				"status": "healthy",
				"count":  len(s.pipelines),
			},
			"agents": map[string]interface{}{
				"status": "healthy",
				"online": online,
				"total":  len(agents),
			},
			"queue": map[string]interface{}{
				"status": "healthy",
				"depth":  s.dispatcher.QueueDepth(),
			},
		},
	}
	if len(agents) > 0 && online == 0 && s.local == nil {
		health["status"] = "degraded"
	}
	return health
}
