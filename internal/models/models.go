package models

import "time"

// BuildStatus represents the lifecycle state of a build
type BuildStatus string

const (
	BuildQueued  BuildStatus = "queued"
	BuildRunning BuildStatus = "running"
	BuildSuccess BuildStatus = "success"
	BuildFailure BuildStatus = "failure"
	BuildAborted BuildStatus = "aborted"
)

// Terminal reports whether the status admits no further transitions
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildSuccess, BuildFailure, BuildAborted:
		return true
	}
	return false
}

// StageStatus represents the state of a stage or an individual step
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageQueued  StageStatus = "queued"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailure StageStatus = "failure"
	StageSkipped StageStatus = "skipped"
	StageAborted StageStatus = "aborted"
)

// Terminal reports whether the status admits no further transitions
func (s StageStatus) Terminal() bool {
	switch s {
	case StageSuccess, StageFailure, StageSkipped, StageAborted:
		return true
	}
	return false
}

// GateStatus represents the state of an approval gate
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
	GateTimedOut GateStatus = "timed_out"
)

// Decided reports whether the gate has reached a terminal decision
func (s GateStatus) Decided() bool {
	return s != GatePending
}

// AgentStatus represents agent health as derived at read time
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDraining AgentStatus = "draining"
)

// BreakerState represents a per-agent circuit breaker state
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Build represents a single execution of a pipeline
type Build struct {
	ID             string            `json:"id"`
	PipelineID     string            `json:"pipeline_id"`
	BuildNumber    int               `json:"build_number"`
	Status         BuildStatus       `json:"status"`
	Trigger        string            `json:"trigger"`
	Reason         string            `json:"reason,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	RequiredLabels []string          `json:"required_labels,omitempty"`
	AgentID        string            `json:"agent_id,omitempty"`
	ParentBuildID  string            `json:"parent_build_id,omitempty"`
	AttemptNumber  int               `json:"attempt_number"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// StageResult records the outcome of one stage within a build
type StageResult struct {
	BuildID     string      `json:"build_id"`
	StageName   string      `json:"stage_name"`
	Status      StageStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// StepResult records the outcome of one step within a stage.
// When a step is retried the last attempt's outcome is authoritative;
// individual attempts appear as events, not as separate results.
type StepResult struct {
	BuildID     string      `json:"build_id"`
	StageName   string      `json:"stage_name"`
	StepName    string      `json:"step_name"`
	Status      StageStatus `json:"status"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// ApprovalGate is a pipeline suspension point awaiting a human decision
type ApprovalGate struct {
	ID             string     `json:"id"`
	BuildID        string     `json:"build_id"`
	StageName      string     `json:"stage_name"`
	Status         GateStatus `json:"status"`
	RequiredRole   string     `json:"required_role"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	ApprovedBy     string     `json:"approved_by,omitempty"`
	RejectedBy     string     `json:"rejected_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

// Agent describes a registered build agent
type Agent struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	URL             string       `json:"url"`
	Labels          []string     `json:"labels"`
	MaxBuilds       int          `json:"max_builds"`
	CurrentBuilds   int          `json:"current_builds"`
	Status          AgentStatus  `json:"status"`
	Breaker         BreakerState `json:"breaker"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

// Heartbeat is the payload an agent reports on its heartbeat interval
type Heartbeat struct {
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name,omitempty"`
	URL           string   `json:"url,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	MaxBuilds     int      `json:"max_builds,omitempty"`
	CurrentBuilds int      `json:"current_builds"`
}

// EventType classifies build events
type EventType string

const (
	EventBuild    EventType = "build"
	EventStage    EventType = "stage"
	EventStep     EventType = "step"
	EventApproval EventType = "approval"
	EventLog      EventType = "log"
)

// Event is a single transition or log line produced while a build runs.
// Events for one build are ordered by Sequence in the order the executor
// produced them; no ordering is defined across builds.
type Event struct {
	BuildID   string    `json:"build_id"`
	Sequence  int       `json:"sequence"`
	Type      EventType `json:"type"`
	StageName string    `json:"stage_name,omitempty"`
	StepName  string    `json:"step_name,omitempty"`
	Status    string    `json:"status,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
	// Gate carries the approval gate snapshot on approval events so the
	// master can mirror gates opened by a remote executor
	Gate      *ApprovalGate `json:"gate,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
