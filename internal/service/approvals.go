package service

import (
	"context"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/relay"
)

// ListApprovals returns the gates of one build
func (s *Service) ListApprovals(ctx context.Context, buildID string) []models.ApprovalGate {
	return s.store.ListGates(buildID)
}

// GetApproval returns one gate snapshot
func (s *Service) GetApproval(ctx context.Context, gateID string) (*models.ApprovalGate, error) {
	return s.store.GetGate(gateID)
}

// Decide applies an approve or reject decision to a gate. For a build
// executing on a remote agent the decision is forwarded so the suspended
// executor there resumes; a build running in process shares the store and
// needs no forwarding.
func (s *Service) Decide(ctx context.Context, gateID string, approve bool, actor, actorRole string) (*models.ApprovalGate, error) {
	log := s.getLogger(ctx)

	gate, err := s.store.DecideGate(gateID, approve, actor, actorRole)
	if err != nil {
		return nil, err
	}

	log.Info("service: approval decided",
		"gate_id", gateID,
		"build_id", gate.BuildID,
		"stage", gate.StageName,
		"approve", approve,
		"actor", actor)

	build, err := s.store.GetBuild(gate.BuildID)
	if err != nil || build.AgentID == "" || s.agents == nil {
		return gate, nil
	}
	agent, err := s.registry.Get(build.AgentID)
	if err != nil || agent.URL == "" {
		return gate, nil
	}

	decision := relay.GateDecision{
		StageName: gate.StageName,
		Approve:   approve,
		Actor:     actor,
		ActorRole: actorRole,
	}
	if err := s.agents.DecideGate(ctx, agent.URL, gate.BuildID, decision); err != nil {
		log.Error("service: approval forward failed",
			"gate_id", gateID,
			"build_id", gate.BuildID,
			"agent_id", build.AgentID,
			"error", err)
	}
	return gate, nil
}
