package state

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/pkg/logger"
)

var (
	// ErrBuildNotFound indicates the requested build doesn't exist
	ErrBuildNotFound = errors.New("build not found")
	// ErrStageNotFound indicates the stage doesn't belong to the build
	ErrStageNotFound = errors.New("stage not found")
	// ErrGateNotFound indicates the approval gate doesn't exist
	ErrGateNotFound = errors.New("approval gate not found")
	// ErrGateDecided indicates the gate already reached a decision
	ErrGateDecided = errors.New("approval gate already decided")
	// ErrRoleDenied indicates the actor's role doesn't satisfy the gate
	ErrRoleDenied = errors.New("actor role does not satisfy gate")
)

// Store is the build/approval state machine. It exclusively owns Build,
// StageResult, StepResult and ApprovalGate records; every mutation goes
// through a transition check and is applied under the owning record's lock,
// so readers never observe a half-committed status.
type Store struct {
	mu     sync.RWMutex
	builds map[string]*buildRecord
	gates  map[string]*gateRecord
	// next build number per pipeline
	numbers map[string]int
	logger  *logger.Logger
}

type buildRecord struct {
	mu     sync.Mutex
	build  models.Build
	stages map[string]*models.StageResult
	// stage name -> step name -> result
	steps   map[string]map[string]*models.StepResult
	events  []models.Event
	seq     int
	subs    map[int]*subscriber
	nextSub int
}

// subscriber is one event feed. Lossy subscribers (live viewers) get a
// non-blocking send and drop when full; lossless ones (the agent relay)
// queue without bound behind a pump goroutine so the write path never
// blocks and no event is lost. pending, closed and the subs map entry are
// guarded by the owning buildRecord's mu.
type subscriber struct {
	ch       chan models.Event
	lossless bool
	pending  []models.Event
	wake     chan struct{}
	done     chan struct{}
	closed   bool
}

type gateRecord struct {
	mu   sync.Mutex
	gate models.ApprovalGate
	// closed exactly once when the gate is decided; the approve, reject
	// and timeout paths all resolve the same handle
	done chan struct{}
}

// NewStore creates an empty state machine
func NewStore(log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		builds:  make(map[string]*buildRecord),
		gates:   make(map[string]*gateRecord),
		numbers: make(map[string]int),
		logger:  log.Component("state"),
	}
}

// CreateBuild registers a new queued build with pending stage records for
// every stage in the schedule. parent is set for retry lineage.
func (s *Store) CreateBuild(pipelineID, trigger string, params map[string]string, labels []string, stageNames []string, parent *models.Build) *models.Build {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.numbers[pipelineID]++
	build := models.Build{
		ID:             uuid.NewString(),
		PipelineID:     pipelineID,
		BuildNumber:    s.numbers[pipelineID],
		Status:         models.BuildQueued,
		Trigger:        trigger,
		Parameters:     params,
		RequiredLabels: labels,
		AttemptNumber:  1,
		CreatedAt:      time.Now().UTC(),
	}
	if parent != nil {
		build.ParentBuildID = parent.ID
		build.AttemptNumber = parent.AttemptNumber + 1
	}

	rec := &buildRecord{
		build:  build,
		stages: make(map[string]*models.StageResult, len(stageNames)),
		steps:  make(map[string]map[string]*models.StepResult),
		subs:   make(map[int]*subscriber),
	}
	for _, name := range stageNames {
		rec.stages[name] = &models.StageResult{
			BuildID:   build.ID,
			StageName: name,
			Status:    models.StagePending,
		}
	}
	s.builds[build.ID] = rec

	s.logger.Info("build created",
		"build_id", build.ID,
		"pipeline_id", pipelineID,
		"build_number", build.BuildNumber,
		"attempt", build.AttemptNumber)

	out := build
	return &out
}

// ImportBuild adopts a build that was created elsewhere, keeping its ID and
// numbering so events and results correlate across the wire. Importing a
// build the store already knows is a no-op, which lets an in-process worker
// share the master's store.
func (s *Store) ImportBuild(build models.Build, stageNames []string) *models.Build {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.builds[build.ID]; ok {
		rec.mu.Lock()
		out := rec.build
		rec.mu.Unlock()
		return &out
	}

	rec := &buildRecord{
		build:  build,
		stages: make(map[string]*models.StageResult, len(stageNames)),
		steps:  make(map[string]map[string]*models.StepResult),
		subs:   make(map[int]*subscriber),
	}
	for _, name := range stageNames {
		rec.stages[name] = &models.StageResult{
			BuildID:   build.ID,
			StageName: name,
			Status:    models.StagePending,
		}
	}
	s.builds[build.ID] = rec

	s.logger.Info("build imported",
		"build_id", build.ID,
		"pipeline_id", build.PipelineID,
		"build_number", build.BuildNumber)

	out := build
	return &out
}

func (s *Store) record(buildID string) (*buildRecord, error) {
	s.mu.RLock()
	rec, ok := s.builds[buildID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBuildNotFound
	}
	return rec, nil
}

// GetBuild returns a committed snapshot of the build
func (s *Store) GetBuild(buildID string) (*models.Build, error) {
	rec, err := s.record(buildID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := rec.build
	return &out, nil
}

// ListBuilds returns snapshots of every build, newest first
func (s *Store) ListBuilds() []models.Build {
	s.mu.RLock()
	recs := make([]*buildRecord, 0, len(s.builds))
	for _, rec := range s.builds {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]models.Build, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.build)
		rec.mu.Unlock()
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// BuildDetail returns the build with its stage and step results
func (s *Store) BuildDetail(buildID string) (*models.Build, []models.StageResult, []models.StepResult, error) {
	rec, err := s.record(buildID)
	if err != nil {
		return nil, nil, nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	build := rec.build
	stages := make([]models.StageResult, 0, len(rec.stages))
	for _, st := range rec.stages {
		stages = append(stages, *st)
	}
	var steps []models.StepResult
	for _, byStep := range rec.steps {
		for _, sp := range byStep {
			steps = append(steps, *sp)
		}
	}
	return &build, stages, steps, nil
}

// TransitionBuild applies a build status transition, rejecting illegal ones
func (s *Store) TransitionBuild(buildID string, to models.BuildStatus, reason string) (*models.Build, error) {
	rec, err := s.record(buildID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	from := rec.build.Status
	if !buildTransitionLegal(from, to) {
		return nil, &TransitionError{Kind: "build", ID: buildID, From: string(from), To: string(to)}
	}

	now := time.Now().UTC()
	rec.build.Status = to
	if reason != "" {
		rec.build.Reason = reason
	}
	if to == models.BuildRunning {
		rec.build.StartedAt = &now
	}
	if to.Terminal() {
		rec.build.CompletedAt = &now
	}
	s.appendEventLocked(rec, models.Event{
		Type:    models.EventBuild,
		Status:  string(to),
		Message: reason,
	})

	s.logger.Info("build transition",
		"build_id", buildID,
		"from", string(from),
		"to", string(to))

	out := rec.build
	return &out, nil
}

// SetBuildAgent records the agent a build was dispatched to
func (s *Store) SetBuildAgent(buildID, agentID string) error {
	rec, err := s.record(buildID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.build.AgentID = agentID
	return nil
}

// TransitionStage applies a stage status transition
func (s *Store) TransitionStage(buildID, stageName string, to models.StageStatus, reason string) error {
	rec, err := s.record(buildID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	st, ok := rec.stages[stageName]
	if !ok {
		return ErrStageNotFound
	}
	if !stageTransitionLegal(st.Status, to) {
		return &TransitionError{Kind: "stage", ID: buildID + "/" + stageName, From: string(st.Status), To: string(to)}
	}

	now := time.Now().UTC()
	st.Status = to
	if reason != "" {
		st.Reason = reason
	}
	if to == models.StageRunning {
		st.StartedAt = &now
	}
	if to.Terminal() {
		st.CompletedAt = &now
	}
	s.appendEventLocked(rec, models.Event{
		Type:      models.EventStage,
		StageName: stageName,
		Status:    string(to),
		Message:   reason,
	})
	return nil
}

// StageStatus returns the current status of one stage
func (s *Store) StageStatus(buildID, stageName string) (models.StageStatus, error) {
	rec, err := s.record(buildID)
	if err != nil {
		return "", err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	st, ok := rec.stages[stageName]
	if !ok {
		return "", ErrStageNotFound
	}
	return st.Status, nil
}

// TransitionStep applies a step status transition, creating the step record
// on first sight. The last attempt's outcome is authoritative.
func (s *Store) TransitionStep(buildID, stageName, stepName string, to models.StageStatus, exitCode *int, reason string) error {
	rec, err := s.record(buildID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if _, ok := rec.stages[stageName]; !ok {
		return ErrStageNotFound
	}
	byStep, ok := rec.steps[stageName]
	if !ok {
		byStep = make(map[string]*models.StepResult)
		rec.steps[stageName] = byStep
	}
	sp, ok := byStep[stepName]
	if !ok {
		sp = &models.StepResult{
			BuildID:   buildID,
			StageName: stageName,
			StepName:  stepName,
			Status:    models.StagePending,
		}
		byStep[stepName] = sp
	}

	// A retried step re-enters running from failure-bound runs only via a
	// fresh attempt; attempts are events, the record tracks the last one.
	if sp.Status == to && to == models.StageRunning {
		// retry attempt, keep the original start time
	} else if !stageTransitionLegal(sp.Status, to) {
		return &TransitionError{Kind: "step", ID: buildID + "/" + stageName + "/" + stepName, From: string(sp.Status), To: string(to)}
	}

	now := time.Now().UTC()
	sp.Status = to
	sp.ExitCode = exitCode
	if reason != "" {
		sp.Reason = reason
	}
	if to == models.StageRunning && sp.StartedAt == nil {
		sp.StartedAt = &now
	}
	if to.Terminal() {
		sp.CompletedAt = &now
	}
	s.appendEventLocked(rec, models.Event{
		Type:      models.EventStep,
		StageName: stageName,
		StepName:  stepName,
		Status:    string(to),
		Message:   reason,
	})
	return nil
}

// AppendEvent records an externally produced event (e.g. relayed from an
// agent) preserving per-build ordering
func (s *Store) AppendEvent(buildID string, ev models.Event) error {
	rec, err := s.record(buildID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.appendEventLocked(rec, ev)
	return nil
}

// appendEventLocked assigns the next sequence number and fans out to
// subscribers. Callers hold rec.mu.
func (s *Store) appendEventLocked(rec *buildRecord, ev models.Event) {
	rec.seq++
	ev.BuildID = rec.build.ID
	ev.Sequence = rec.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	rec.events = append(rec.events, ev)
	for _, sub := range rec.subs {
		if sub.lossless {
			sub.pending = append(sub.pending, ev)
			select {
			case sub.wake <- struct{}{}:
			default:
			}
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// slow viewer, drop rather than block the write path
		}
	}
}

// Events returns a copy of the build's event log
func (s *Store) Events(buildID string) ([]models.Event, error) {
	rec, err := s.record(buildID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]models.Event, len(rec.events))
	copy(out, rec.events)
	return out, nil
}

// Subscribe returns the events so far plus a live channel for new ones.
// Delivery is best effort: a consumer that lags behind the buffer misses
// events. Feeds that must observe every transition use SubscribeLossless.
// The returned cancel func must be called to release the subscription.
func (s *Store) Subscribe(buildID string) ([]models.Event, <-chan models.Event, func(), error) {
	return s.subscribe(buildID, false)
}

// SubscribeLossless is Subscribe with guaranteed in-order delivery of every
// event: the write path queues without bound instead of dropping, and a
// per-subscriber goroutine feeds the channel as the consumer drains it.
// After cancel the consumer must keep receiving until the channel closes;
// the queued tail is flushed first.
func (s *Store) SubscribeLossless(buildID string) ([]models.Event, <-chan models.Event, func(), error) {
	return s.subscribe(buildID, true)
}

func (s *Store) subscribe(buildID string, lossless bool) ([]models.Event, <-chan models.Event, func(), error) {
	rec, err := s.record(buildID)
	if err != nil {
		return nil, nil, nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	past := make([]models.Event, len(rec.events))
	copy(past, rec.events)

	sub := &subscriber{
		ch:       make(chan models.Event, 64),
		lossless: lossless,
	}
	id := rec.nextSub
	rec.nextSub++
	rec.subs[id] = sub

	if !lossless {
		cancel := func() {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			if !sub.closed {
				sub.closed = true
				delete(rec.subs, id)
				close(sub.ch)
			}
		}
		return past, sub.ch, cancel, nil
	}

	sub.wake = make(chan struct{}, 1)
	sub.done = make(chan struct{})
	go pump(rec, sub)

	cancel := func() {
		rec.mu.Lock()
		if sub.closed {
			rec.mu.Unlock()
			return
		}
		sub.closed = true
		delete(rec.subs, id)
		rec.mu.Unlock()
		close(sub.done)
	}
	return past, sub.ch, cancel, nil
}

// pump delivers a lossless subscriber's queue in sequence order, blocking
// on the consumer instead of the write path. On cancel it flushes whatever
// queued before the subscription was removed, then closes the channel.
func pump(rec *buildRecord, sub *subscriber) {
	defer close(sub.ch)

	flush := func() {
		rec.mu.Lock()
		batch := sub.pending
		sub.pending = nil
		rec.mu.Unlock()
		for _, ev := range batch {
			sub.ch <- ev
		}
	}

	for {
		flush()
		select {
		case <-sub.wake:
		case <-sub.done:
			flush()
			return
		}
	}
}
