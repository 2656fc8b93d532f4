package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lei/conveyor/internal/dispatch"
	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/pipeline"
	"github.com/lei/conveyor/internal/registry"
	"github.com/lei/conveyor/internal/relay"
	"github.com/lei/conveyor/internal/state"
	"github.com/lei/conveyor/internal/telemetry"
	"github.com/lei/conveyor/internal/worker"
	"github.com/lei/conveyor/pkg/logger"
)

var (
	// ErrPipelineNotFound indicates the requested pipeline doesn't exist
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrInvalidPipeline indicates the definition doesn't validate or
	// resolve; such builds are rejected before anything runs
	ErrInvalidPipeline = errors.New("invalid pipeline definition")
	// ErrBuildFinished indicates the build already reached a terminal
	// status and cannot be cancelled
	ErrBuildFinished = errors.New("build already finished")
	// ErrBuildNotFinished indicates a retry of a build still in flight
	ErrBuildNotFinished = errors.New("build has not finished")
)

// Service coordinates the master: pipeline lookup, build lifecycle,
// dispatching, agent fleet operations and approval routing.
type Service struct {
	pipelines  map[string]pipeline.Def
	store      *state.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	agents     *relay.AgentClient
	local      *worker.Worker
	artifacts  *artifactStore
	logger     *logger.Logger
	metrics    *telemetry.Metrics
}

// Options wires the Service's collaborators. Store, Registry and
// Dispatcher are required; AgentClient, LocalWorker, Metrics and
// ArtifactDir are optional.
type Options struct {
	Pipelines   []pipeline.Def
	Store       *state.Store
	Registry    *registry.Registry
	Dispatcher  *dispatch.Dispatcher
	AgentClient *relay.AgentClient
	LocalWorker *worker.Worker
	ArtifactDir string
	Logger      *logger.Logger
	Metrics     *telemetry.Metrics
}

// New creates a Service
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	defs := make(map[string]pipeline.Def, len(opts.Pipelines))
	for _, def := range opts.Pipelines {
		defs[def.ID] = def
	}
	return &Service{
		pipelines:  defs,
		store:      opts.Store,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		agents:     opts.AgentClient,
		local:      opts.LocalWorker,
		artifacts:  newArtifactStore(opts.ArtifactDir),
		logger:     opts.Logger.Component("service"),
		metrics:    opts.Metrics,
	}
}

// getLogger retrieves logger from context or falls back to service logger
func (s *Service) getLogger(ctx context.Context) *logger.Logger {
	if ctxLogger := logger.FromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return s.logger
}

// ListPipelines returns the configured pipeline definitions
func (s *Service) ListPipelines(ctx context.Context) []pipeline.Def {
	out := make([]pipeline.Def, 0, len(s.pipelines))
	for _, def := range s.pipelines {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPipeline returns one pipeline definition
func (s *Service) GetPipeline(ctx context.Context, pipelineID string) (*pipeline.Def, error) {
	def, ok := s.pipelines[pipelineID]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	return &def, nil
}

// Trigger creates a queued build and hands it to the dispatcher. The
// definition is validated and resolved first; a pipeline that doesn't
// resolve never produces a build.
func (s *Service) Trigger(ctx context.Context, pipelineID, trigger string, params map[string]string) (*models.Build, error) {
	log := s.getLogger(ctx)

	def, ok := s.pipelines[pipelineID]
	if !ok {
		log.Debug("service: pipeline not found", "pipeline_id", pipelineID)
		return nil, ErrPipelineNotFound
	}

	stageNames, err := s.resolveDef(def)
	if err != nil {
		log.Warn("service: trigger rejected",
			"pipeline_id", pipelineID,
			"error", err)
		return nil, err
	}

	build := s.store.CreateBuild(pipelineID, trigger, params, def.RequiredLabels, stageNames, nil)
	s.enqueue(*build, def)

	log.Info("service: build triggered",
		"pipeline_id", pipelineID,
		"build_id", build.ID,
		"build_number", build.BuildNumber,
		"trigger", trigger)
	return build, nil
}

// Retry creates a fresh build of the same pipeline linked to the finished
// original. The whole pipeline re-runs; prior stage results stay with the
// original build.
func (s *Service) Retry(ctx context.Context, buildID string) (*models.Build, error) {
	log := s.getLogger(ctx)

	parent, err := s.store.GetBuild(buildID)
	if err != nil {
		return nil, err
	}
	if !parent.Status.Terminal() {
		return nil, ErrBuildNotFinished
	}

	def, ok := s.pipelines[parent.PipelineID]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	stageNames, err := s.resolveDef(def)
	if err != nil {
		return nil, err
	}

	build := s.store.CreateBuild(parent.PipelineID, "retry", parent.Parameters, def.RequiredLabels, stageNames, parent)
	s.enqueue(*build, def)

	log.Info("service: build retried",
		"pipeline_id", parent.PipelineID,
		"parent_build_id", parent.ID,
		"build_id", build.ID,
		"attempt", build.AttemptNumber)
	return build, nil
}

// Cancel aborts a build: dropped from the queue if not yet dispatched,
// forwarded to the executing agent otherwise
func (s *Service) Cancel(ctx context.Context, buildID string) error {
	log := s.getLogger(ctx)

	build, err := s.store.GetBuild(buildID)
	if err != nil {
		return err
	}
	if build.Status.Terminal() {
		return ErrBuildFinished
	}

	if build.AgentID == "" {
		// still queued; the dispatcher drops terminal builds on its
		// next pass
		if _, err := s.store.TransitionBuild(buildID, models.BuildAborted, "cancelled before dispatch"); err != nil {
			return err
		}
		log.Info("service: queued build cancelled", "build_id", buildID)
		return nil
	}

	if s.local != nil && s.local.Cancel(buildID) {
		log.Info("service: local build cancelled", "build_id", buildID)
		return nil
	}

	agent, err := s.registry.Get(build.AgentID)
	if err != nil {
		return fmt.Errorf("cancel build %s: %w", buildID, err)
	}
	if s.agents == nil || agent.URL == "" {
		return fmt.Errorf("cancel build %s: agent %s not reachable", buildID, build.AgentID)
	}
	if err := s.agents.Cancel(ctx, agent.URL, buildID); err != nil {
		log.Error("service: cancel forward failed",
			"build_id", buildID,
			"agent_id", build.AgentID,
			"error", err)
		return err
	}
	log.Info("service: cancel forwarded",
		"build_id", buildID,
		"agent_id", build.AgentID)
	return nil
}

// GetBuild returns a build snapshot
func (s *Service) GetBuild(ctx context.Context, buildID string) (*models.Build, error) {
	return s.store.GetBuild(buildID)
}

// ListBuilds returns all builds, newest first
func (s *Service) ListBuilds(ctx context.Context) []models.Build {
	return s.store.ListBuilds()
}

// BuildDetail returns a build with its stage and step results
func (s *Service) BuildDetail(ctx context.Context, buildID string) (*models.Build, []models.StageResult, []models.StepResult, error) {
	return s.store.BuildDetail(buildID)
}

// Events returns the build's event log
func (s *Service) Events(ctx context.Context, buildID string) ([]models.Event, error) {
	return s.store.Events(buildID)
}

// SubscribeEvents returns past events plus a live feed for SSE streaming
func (s *Service) SubscribeEvents(ctx context.Context, buildID string) ([]models.Event, <-chan models.Event, func(), error) {
	return s.store.Subscribe(buildID)
}

func (s *Service) resolveDef(def pipeline.Def) ([]string, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	stages := pipeline.ExpandMatrix(def.Stages)
	sched, err := pipeline.Resolve(stages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	return sched.StageNames(), nil
}

func (s *Service) enqueue(build models.Build, def pipeline.Def) {
	s.dispatcher.Enqueue(relay.DispatchRequest{Build: build, Pipeline: def})
}
