package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// GatePrefix marks a stage as an approval gate by name
const GatePrefix = "post:"

const (
	// DefaultGateRole is required to decide a gate that declares no role
	DefaultGateRole = "admin"
	// DefaultGateTimeoutMinutes applies to gates that declare no timeout
	DefaultGateTimeoutMinutes = 60
)

// Def is a pipeline definition: an ordered set of stages
type Def struct {
	ID             string     `yaml:"pipeline_id" json:"pipeline_id"`
	Name           string     `yaml:"name" json:"name"`
	RequiredLabels []string   `yaml:"required_labels" json:"required_labels,omitempty"`
	Stages         []StageDef `yaml:"stages" json:"stages"`
}

// StageDef describes one stage of a pipeline
type StageDef struct {
	Name      string              `yaml:"name" json:"name"`
	DependsOn []string            `yaml:"depends_on" json:"depends_on,omitempty"`
	Parallel  bool                `yaml:"parallel" json:"parallel,omitempty"`
	Matrix    map[string][]string `yaml:"matrix" json:"matrix,omitempty"`
	Approval  *ApprovalSpec       `yaml:"approval" json:"approval,omitempty"`
	Steps     []StepDef           `yaml:"steps" json:"steps,omitempty"`
}

// ApprovalSpec configures an approval gate stage
type ApprovalSpec struct {
	RequiredRole   string `yaml:"required_role" json:"required_role,omitempty"`
	TimeoutMinutes int    `yaml:"timeout_minutes" json:"timeout_minutes,omitempty"`
}

// StepDef describes one step of a stage
type StepDef struct {
	Name      string        `yaml:"name" json:"name"`
	Run       string        `yaml:"run" json:"run"`
	Condition string        `yaml:"condition" json:"condition,omitempty"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Retries   int           `yaml:"retries" json:"retries,omitempty"`
	// Artifacts lists files the step produces; the worker uploads them to
	// the master when the build completes
	Artifacts []string `yaml:"artifacts" json:"artifacts,omitempty"`
}

// IsGate reports whether the stage is an approval gate, either via an
// explicit approval block or the "post:" naming convention
func (s *StageDef) IsGate() bool {
	return s.Approval != nil || strings.HasPrefix(s.Name, GatePrefix)
}

// Gate returns the effective approval settings. A stage marked only by
// the "post:" prefix gets the defaults; an explicit approval block is
// taken as written, so timeout_minutes: 0 means the gate expires
// immediately. Only meaningful when IsGate is true.
func (s *StageDef) Gate() ApprovalSpec {
	if s.Approval == nil {
		return ApprovalSpec{
			RequiredRole:   DefaultGateRole,
			TimeoutMinutes: DefaultGateTimeoutMinutes,
		}
	}
	spec := *s.Approval
	if spec.RequiredRole == "" {
		spec.RequiredRole = DefaultGateRole
	}
	return spec
}

// Validate checks the structural invariants of a pipeline definition:
// unique stage names, depends_on referencing existing stages only, and
// unique step names within each stage. Cycles are caught by Resolve.
func (d *Def) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("pipeline missing pipeline_id")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline %s has no stages", d.ID)
	}

	stageNames := make(map[string]bool, len(d.Stages))
	for i, st := range d.Stages {
		if st.Name == "" {
			return fmt.Errorf("pipeline %s: stage at index %d missing name", d.ID, i)
		}
		if stageNames[st.Name] {
			return fmt.Errorf("pipeline %s: duplicate stage name %q", d.ID, st.Name)
		}
		stageNames[st.Name] = true

		stepNames := make(map[string]bool, len(st.Steps))
		for j, sp := range st.Steps {
			if sp.Name == "" {
				return fmt.Errorf("pipeline %s: stage %q step at index %d missing name", d.ID, st.Name, j)
			}
			if stepNames[sp.Name] {
				return fmt.Errorf("pipeline %s: stage %q duplicate step name %q", d.ID, st.Name, sp.Name)
			}
			stepNames[sp.Name] = true
			if sp.Retries < 0 {
				return fmt.Errorf("pipeline %s: stage %q step %q negative retries", d.ID, st.Name, sp.Name)
			}
		}

		for _, axis := range st.Matrix {
			if len(axis) == 0 {
				return fmt.Errorf("pipeline %s: stage %q matrix axis with no values", d.ID, st.Name)
			}
		}
	}

	for _, st := range d.Stages {
		for _, dep := range st.DependsOn {
			if !stageNames[dep] {
				return fmt.Errorf("pipeline %s: stage %q depends on unknown stage %q", d.ID, st.Name, dep)
			}
			if dep == st.Name {
				return fmt.Errorf("pipeline %s: stage %q depends on itself", d.ID, st.Name)
			}
		}
	}

	return nil
}
