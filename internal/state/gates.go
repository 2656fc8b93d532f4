package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/lei/conveyor/internal/models"
)

// CreateGate opens a pending approval gate for a stage of a build
func (s *Store) CreateGate(buildID, stageName, requiredRole string, timeoutMinutes int) (*models.ApprovalGate, error) {
	if _, err := s.record(buildID); err != nil {
		return nil, err
	}

	gate := models.ApprovalGate{
		ID:             uuid.NewString(),
		BuildID:        buildID,
		StageName:      stageName,
		Status:         models.GatePending,
		RequiredRole:   requiredRole,
		TimeoutMinutes: timeoutMinutes,
		CreatedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.gates[gate.ID] = &gateRecord{gate: gate, done: make(chan struct{})}
	s.mu.Unlock()

	s.appendGateEvent(gate, "")

	s.logger.Info("approval gate opened",
		"gate_id", gate.ID,
		"build_id", buildID,
		"stage", stageName,
		"required_role", requiredRole,
		"timeout_minutes", timeoutMinutes)

	out := gate
	return &out, nil
}

func (s *Store) gateRecord(gateID string) (*gateRecord, error) {
	s.mu.RLock()
	rec, ok := s.gates[gateID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrGateNotFound
	}
	return rec, nil
}

// GetGate returns a committed snapshot of the gate
func (s *Store) GetGate(gateID string) (*models.ApprovalGate, error) {
	rec, err := s.gateRecord(gateID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := rec.gate
	return &out, nil
}

// ListGates returns snapshots of all gates for a build
func (s *Store) ListGates(buildID string) []models.ApprovalGate {
	s.mu.RLock()
	recs := make([]*gateRecord, 0)
	for _, rec := range s.gates {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	var out []models.ApprovalGate
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.gate.BuildID == buildID {
			out = append(out, rec.gate)
		}
		rec.mu.Unlock()
	}
	return out
}

// DecideGate applies an approve or reject decision. The actor's role must
// satisfy the gate's required role, and an already-decided gate is rejected
// without any state change (idempotence per the API contract).
func (s *Store) DecideGate(gateID string, approve bool, actor, actorRole string) (*models.ApprovalGate, error) {
	rec, err := s.gateRecord(gateID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.gate.Status.Decided() {
		return nil, ErrGateDecided
	}
	if actorRole != rec.gate.RequiredRole {
		return nil, ErrRoleDenied
	}

	to := models.GateRejected
	if approve {
		to = models.GateApproved
	}
	if !gateTransitionLegal(rec.gate.Status, to) {
		return nil, &TransitionError{Kind: "gate", ID: gateID, From: string(rec.gate.Status), To: string(to)}
	}

	now := time.Now().UTC()
	rec.gate.Status = to
	rec.gate.DecidedAt = &now
	if approve {
		rec.gate.ApprovedBy = actor
	} else {
		rec.gate.RejectedBy = actor
	}
	close(rec.done)

	s.appendGateEvent(rec.gate, actor)

	s.logger.Info("approval gate decided",
		"gate_id", gateID,
		"status", string(to),
		"actor", actor)

	out := rec.gate
	return &out, nil
}

// TimeoutGate drives a pending gate to timed_out. The executor calls this
// itself when the gate deadline passes; no external watchdog is involved.
// Racing against a concurrent decision is fine: whichever transition
// commits first wins and the loser reports ErrGateDecided.
func (s *Store) TimeoutGate(gateID string) (*models.ApprovalGate, error) {
	rec, err := s.gateRecord(gateID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.gate.Status.Decided() {
		return nil, ErrGateDecided
	}

	now := time.Now().UTC()
	rec.gate.Status = models.GateTimedOut
	rec.gate.DecidedAt = &now
	close(rec.done)

	s.appendGateEvent(rec.gate, "")

	s.logger.Warn("approval gate timed out",
		"gate_id", gateID,
		"build_id", rec.gate.BuildID,
		"stage", rec.gate.StageName)

	out := rec.gate
	return &out, nil
}

// GateDone returns a handle that is resolved (closed) by whichever of
// approve, reject or timeout happens first
func (s *Store) GateDone(gateID string) (<-chan struct{}, error) {
	rec, err := s.gateRecord(gateID)
	if err != nil {
		return nil, err
	}
	return rec.done, nil
}

// FindGate returns the gate opened for a stage of a build, preferring a
// pending one when the stage was gated more than once
func (s *Store) FindGate(buildID, stageName string) (*models.ApprovalGate, error) {
	var found *models.ApprovalGate
	for _, gate := range s.ListGates(buildID) {
		if gate.StageName != stageName {
			continue
		}
		g := gate
		if found == nil || !g.Status.Decided() {
			found = &g
		}
	}
	if found == nil {
		return nil, ErrGateNotFound
	}
	return found, nil
}

// SyncGate upserts a gate snapshot relayed from a remote executor, keeping
// the remote ID so approval calls correlate. A decision carried by the
// snapshot resolves the local done handle.
func (s *Store) SyncGate(gate models.ApprovalGate) {
	s.mu.Lock()
	rec, ok := s.gates[gate.ID]
	if !ok {
		rec = &gateRecord{gate: gate, done: make(chan struct{})}
		s.gates[gate.ID] = rec
		if gate.Status.Decided() {
			close(rec.done)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	wasDecided := rec.gate.Status.Decided()
	rec.gate = gate
	if gate.Status.Decided() && !wasDecided {
		close(rec.done)
	}
}

func (s *Store) appendGateEvent(gate models.ApprovalGate, actor string) {
	rec, err := s.record(gate.BuildID)
	if err != nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	snapshot := gate
	s.appendEventLocked(rec, models.Event{
		Type:      models.EventApproval,
		StageName: gate.StageName,
		Status:    string(gate.Status),
		Message:   actor,
		Gate:      &snapshot,
	})
}
