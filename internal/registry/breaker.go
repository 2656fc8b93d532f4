package registry

import (
	"time"

	"github.com/lei/conveyor/internal/models"
)

// breaker is the per-agent circuit breaker. Owned exclusively by the
// Registry; all access happens under the owning agentRecord's lock.
// Transitions are driven only by dispatch outcomes, never by heartbeats.
type breaker struct {
	state               models.BreakerState
	consecutiveFailures int
	openedAt            time.Time
	// probeInFlight enforces the single half-open probe rule
	probeInFlight bool
}

// breakerViewLocked returns the breaker state as observed now, applying
// the lazy open -> half-open transition once OpenTimeout has elapsed.
// Callers hold rec.mu.
func (r *Registry) breakerViewLocked(rec *agentRecord, now time.Time) models.BreakerState {
	if rec.breaker.state == "" {
		rec.breaker.state = models.BreakerClosed
	}
	if rec.breaker.state == models.BreakerOpen && now.Sub(rec.breaker.openedAt) >= r.cfg.OpenTimeout {
		rec.breaker.state = models.BreakerHalfOpen
		rec.breaker.probeInFlight = false
		r.setBreakerGauge(rec.agent.ID, models.BreakerHalfOpen)
	}
	return rec.breaker.state
}

// ReportOutcome feeds a dispatch outcome for an agent into its breaker.
// Success means a build reached a terminal state on the agent; failure
// means the send failed or the agent was lost mid-build. Safe under
// concurrent reporting from multiple in-flight builds: the whole
// transition is applied under the agent's lock.
//
//	closed    + failure*threshold -> open
//	closed    + success           -> failures reset
//	half-open + success           -> closed
//	half-open + failure           -> open (openedAt reset)
//
// Outcomes arriving while open belong to builds dispatched before the
// breaker opened and are ignored.
func (r *Registry) ReportOutcome(agentID string, success bool) {
	rec, err := r.record(agentID)
	if err != nil {
		return
	}

	now := r.now()
	rec.mu.Lock()
	state := r.breakerViewLocked(rec, now)
	switch state {
	case models.BreakerClosed:
		if success {
			rec.breaker.consecutiveFailures = 0
		} else {
			rec.breaker.consecutiveFailures++
			if rec.breaker.consecutiveFailures >= r.cfg.FailureThreshold {
				rec.breaker.state = models.BreakerOpen
				rec.breaker.openedAt = now
				r.setBreakerGauge(agentID, models.BreakerOpen)
				r.logger.Warn("circuit breaker opened",
					"agent_id", agentID,
					"consecutive_failures", rec.breaker.consecutiveFailures)
			}
		}
	case models.BreakerHalfOpen:
		rec.breaker.probeInFlight = false
		if success {
			rec.breaker.state = models.BreakerClosed
			rec.breaker.consecutiveFailures = 0
			r.setBreakerGauge(agentID, models.BreakerClosed)
			r.logger.Info("circuit breaker closed after probe", "agent_id", agentID)
		} else {
			rec.breaker.state = models.BreakerOpen
			rec.breaker.openedAt = now
			r.setBreakerGauge(agentID, models.BreakerOpen)
			r.logger.Warn("circuit breaker reopened after failed probe", "agent_id", agentID)
		}
	case models.BreakerOpen:
		// stale outcome from a pre-open build
	}
	rec.mu.Unlock()

	if r.metrics != nil {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		r.metrics.DispatchOutcomes.WithLabelValues(agentID, outcome).Inc()
	}
	if success {
		r.signal()
	}
}

func (r *Registry) setBreakerGauge(agentID string, state models.BreakerState) {
	if r.metrics == nil {
		return
	}
	var v float64
	switch state {
	case models.BreakerOpen:
		v = 1
	case models.BreakerHalfOpen:
		v = 2
	}
	r.metrics.BreakerState.WithLabelValues(agentID).Set(v)
}
