package state

import (
	"fmt"

	"github.com/lei/conveyor/internal/models"
)

// TransitionError reports an illegal status transition. Illegal transitions
// are rejected, never silently coerced.
type TransitionError struct {
	Kind string // "build", "stage", "step", "gate"
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s (%s)", e.Kind, e.From, e.To, e.ID)
}

// buildTransitions is the closed set of legal build transitions.
// queued -> failure covers max-queue-time expiry; a terminal status admits
// nothing (retry creates a new build instead).
var buildTransitions = map[models.BuildStatus][]models.BuildStatus{
	models.BuildQueued:  {models.BuildRunning, models.BuildFailure, models.BuildAborted},
	models.BuildRunning: {models.BuildSuccess, models.BuildFailure, models.BuildAborted},
}

// stageTransitions applies to stages and steps alike. skipped is reachable
// only from pending/queued: a skip is a scheduling decision, not a runtime
// outcome.
var stageTransitions = map[models.StageStatus][]models.StageStatus{
	models.StagePending: {models.StageQueued, models.StageRunning, models.StageSkipped, models.StageAborted},
	models.StageQueued:  {models.StageRunning, models.StageSkipped, models.StageAborted},
	models.StageRunning: {models.StageSuccess, models.StageFailure, models.StageAborted},
}

var gateTransitions = map[models.GateStatus][]models.GateStatus{
	models.GatePending: {models.GateApproved, models.GateRejected, models.GateTimedOut},
}

func buildTransitionLegal(from, to models.BuildStatus) bool {
	for _, t := range buildTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func stageTransitionLegal(from, to models.StageStatus) bool {
	for _, t := range stageTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func gateTransitionLegal(from, to models.GateStatus) bool {
	for _, t := range gateTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
