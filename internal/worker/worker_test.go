package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/conveyor/internal/executor"
	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/pipeline"
	"github.com/lei/conveyor/internal/relay"
	"github.com/lei/conveyor/internal/state"
)

// blockingRunner holds every step until released, reporting which build's
// step started via the "n" parameter
type blockingRunner struct {
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 16),
		release: make(chan struct{}, 16),
	}
}

func (r *blockingRunner) RunStep(ctx context.Context, step pipeline.StepDef, env map[string]string) (int, string, error) {
	r.started <- env["n"]
	select {
	case <-r.release:
		return 0, "", nil
	case <-ctx.Done():
		return -1, "", ctx.Err()
	}
}

var _ executor.StepRunner = (*blockingRunner)(nil)

func dispatchReq(buildID, n string) relay.DispatchRequest {
	return relay.DispatchRequest{
		Build: models.Build{
			ID:         buildID,
			PipelineID: "p",
			Status:     models.BuildQueued,
			Parameters: map[string]string{"n": n},
		},
		Pipeline: pipeline.Def{
			ID: "p",
			Stages: []pipeline.StageDef{
				{Name: "build", Steps: []pipeline.StepDef{{Name: "compile", Run: "x"}}},
			},
		},
	}
}

func waitStarted(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case n := <-r.started:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("no step started")
		return ""
	}
}

func waitTerminal(t *testing.T, store *state.Store, buildID string) models.Build {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := store.GetBuild(buildID); err == nil && b.Status.Terminal() {
			return *b
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("build %s never settled", buildID)
	return models.Build{}
}

func waitIdle(t *testing.T, w *Worker) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.ActiveBuilds() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker never went idle")
}

func TestSubmit_QueuesBeyondCapacity(t *testing.T) {
	store := state.NewStore(nil)
	runner := newBlockingRunner()
	w := New(Config{MaxBuilds: 2, QueueOnFull: true, QueueSize: 4}, store, runner, nil, nil)

	require.NoError(t, w.Submit(dispatchReq("b1", "1")))
	require.NoError(t, w.Submit(dispatchReq("b2", "2")))

	first := waitStarted(t, runner)
	second := waitStarted(t, runner)
	assert.ElementsMatch(t, []string{"1", "2"}, []string{first, second})

	// third dispatch is accepted but waits for a free slot
	require.NoError(t, w.Submit(dispatchReq("b3", "3")))
	assert.Equal(t, 2, w.ActiveBuilds())
	assert.Equal(t, 1, w.QueuedBuilds())

	_, err := store.GetBuild("b3")
	assert.ErrorIs(t, err, state.ErrBuildNotFound, "queued build has not started")

	// freeing one slot starts the queued build
	runner.release <- struct{}{}
	assert.Equal(t, "3", waitStarted(t, runner))

	runner.release <- struct{}{}
	runner.release <- struct{}{}

	for _, id := range []string{"b1", "b2", "b3"} {
		b := waitTerminal(t, store, id)
		assert.Equal(t, models.BuildSuccess, b.Status, id)
	}
	waitIdle(t, w)
}

func TestSubmit_RejectsWhenQueueDisabled(t *testing.T) {
	store := state.NewStore(nil)
	runner := newBlockingRunner()
	w := New(Config{MaxBuilds: 1}, store, runner, nil, nil)

	require.NoError(t, w.Submit(dispatchReq("b1", "1")))
	waitStarted(t, runner)

	err := w.Submit(dispatchReq("b2", "2"))
	assert.ErrorIs(t, err, ErrCapacity)

	runner.release <- struct{}{}
	waitTerminal(t, store, "b1")
}

func TestCancel_AbortsRunningBuild(t *testing.T) {
	store := state.NewStore(nil)
	runner := newBlockingRunner()
	w := New(Config{MaxBuilds: 1}, store, runner, nil, nil)

	require.NoError(t, w.Submit(dispatchReq("b1", "1")))
	waitStarted(t, runner)

	require.True(t, w.Cancel("b1"))

	b := waitTerminal(t, store, "b1")
	assert.Equal(t, models.BuildAborted, b.Status)

	waitIdle(t, w)
	assert.False(t, w.Cancel("b1"), "finished build is no longer cancellable")
}

func TestSubmit_UnresolvablePipelineFails(t *testing.T) {
	store := state.NewStore(nil)
	w := New(Config{MaxBuilds: 1}, store, newBlockingRunner(), nil, nil)

	req := relay.DispatchRequest{
		Build: models.Build{ID: "b1", PipelineID: "p", Status: models.BuildQueued},
		Pipeline: pipeline.Def{
			ID: "p",
			Stages: []pipeline.StageDef{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
			},
		},
	}
	require.NoError(t, w.Submit(req))

	b := waitTerminal(t, store, "b1")
	assert.Equal(t, models.BuildFailure, b.Status)
	assert.Contains(t, b.Reason, "does not resolve")
	waitIdle(t, w)
}

// recordingSink captures relayed events and results; delay slows event
// delivery to simulate a lagging master
type recordingSink struct {
	mu      sync.Mutex
	delay   time.Duration
	events  []models.Event
	results []models.Build
}

func (s *recordingSink) SendEvent(ctx context.Context, ev models.Event) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) SendResult(ctx context.Context, build models.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, build)
	return nil
}

func TestRun_RelaysEventsThenResult(t *testing.T) {
	store := state.NewStore(nil)
	runner := newBlockingRunner()
	sink := &recordingSink{}
	w := New(Config{MaxBuilds: 1}, store, runner, sink, nil)

	require.NoError(t, w.Submit(dispatchReq("b1", "1")))
	waitStarted(t, runner)
	runner.release <- struct{}{}
	waitTerminal(t, store, "b1")

	// the result send happens after the event drain; poll for it
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.results)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.results, 1)
	assert.Equal(t, models.BuildSuccess, sink.results[0].Status)

	require.NotEmpty(t, sink.events)
	for i, ev := range sink.events {
		assert.Equal(t, i+1, ev.Sequence, "events relayed in order")
	}
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, models.EventBuild, last.Type)
	assert.Equal(t, string(models.BuildSuccess), last.Status)
}

func waitResult(t *testing.T, s *recordingSink) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.results)
		s.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("result never relayed")
}

// instantRunner completes every step immediately
type instantRunner struct{}

func (instantRunner) RunStep(ctx context.Context, step pipeline.StepDef, env map[string]string) (int, string, error) {
	return 0, "", nil
}

func TestRun_RelaysBurstWithoutLoss(t *testing.T) {
	store := state.NewStore(nil)
	sink := &recordingSink{delay: time.Millisecond}
	w := New(Config{MaxBuilds: 1}, store, instantRunner{}, sink, nil)

	steps := make([]pipeline.StepDef, 50)
	for i := range steps {
		steps[i] = pipeline.StepDef{Name: fmt.Sprintf("step-%02d", i), Run: "x"}
	}
	req := relay.DispatchRequest{
		Build:    models.Build{ID: "b1", PipelineID: "p", Status: models.BuildQueued},
		Pipeline: pipeline.Def{ID: "p", Stages: []pipeline.StageDef{{Name: "build", Steps: steps}}},
	}
	require.NoError(t, w.Submit(req))
	waitTerminal(t, store, "b1")
	waitResult(t, sink)

	recorded, err := store.Events("b1")
	require.NoError(t, err)
	require.Greater(t, len(recorded), 64, "burst outruns any viewer buffer")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, len(recorded), "the lagging relay loses nothing")
	for i, ev := range sink.events {
		assert.Equal(t, i+1, ev.Sequence)
	}
}

// artifactSink is a recordingSink that also accepts artifact uploads
type artifactSink struct {
	recordingSink
	uploads [][]relay.Artifact
}

func (s *artifactSink) UploadArtifacts(ctx context.Context, buildID string, artifacts []relay.Artifact) (*relay.ArtifactReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, artifacts)
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		names = append(names, a.Name)
	}
	return &relay.ArtifactReport{Uploaded: names}, nil
}

func TestRun_UploadsDeclaredArtifacts(t *testing.T) {
	store := state.NewStore(nil)
	sink := &artifactSink{}
	w := New(Config{MaxBuilds: 1}, store, instantRunner{}, sink, nil)

	req := relay.DispatchRequest{
		Build: models.Build{ID: "b1", PipelineID: "p", Status: models.BuildQueued},
		Pipeline: pipeline.Def{
			ID: "p",
			Stages: []pipeline.StageDef{{
				Name: "build",
				Steps: []pipeline.StepDef{{
					Name:      "package",
					Run:       "x",
					Artifacts: []string{"dist/app.tar.gz", "dist/checksums.txt"},
				}},
			}},
		},
	}
	require.NoError(t, w.Submit(req))
	waitTerminal(t, store, "b1")

	// the upload happens between the event drain and the result
	waitResult(t, &sink.recordingSink)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.uploads, 1)
	names := make([]string, 0, len(sink.uploads[0]))
	for _, a := range sink.uploads[0] {
		names = append(names, a.Name)
	}
	assert.ElementsMatch(t, []string{"app.tar.gz", "checksums.txt"}, names)
}

func TestDecideGate_ByStageName(t *testing.T) {
	store := state.NewStore(nil)
	runner := newBlockingRunner()
	w := New(Config{MaxBuilds: 1}, store, runner, nil, nil)

	req := relay.DispatchRequest{
		Build: models.Build{ID: "b1", PipelineID: "p", Status: models.BuildQueued},
		Pipeline: pipeline.Def{
			ID: "p",
			Stages: []pipeline.StageDef{
				{Name: "sign-off", Approval: &pipeline.ApprovalSpec{RequiredRole: "admin", TimeoutMinutes: 30}},
			},
		},
	}
	require.NoError(t, w.Submit(req))

	// wait for the gate to open
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.ListGates("b1")) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.ErrorIs(t, w.DecideGate("b1", "nope", true, "alice", "admin"), state.ErrGateNotFound)
	require.NoError(t, w.DecideGate("b1", "sign-off", true, "alice", "admin"))

	b := waitTerminal(t, store, "b1")
	assert.Equal(t, models.BuildSuccess, b.Status)

	err := w.DecideGate("b1", "sign-off", false, "bob", "admin")
	assert.True(t, errors.Is(err, state.ErrGateDecided))
}
