package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lei/conveyor/internal/executor"
	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/pipeline"
	"github.com/lei/conveyor/internal/relay"
	"github.com/lei/conveyor/internal/state"
	"github.com/lei/conveyor/pkg/logger"
)

// ErrCapacity indicates every execution slot is taken and the queue (if
// enabled) is full. The dispatcher maps this to a requeue, not a failure.
var ErrCapacity = errors.New("worker at capacity")

// Config controls the worker's execution pool
type Config struct {
	// MaxBuilds is the number of builds the worker runs concurrently
	MaxBuilds int
	// QueueOnFull queues submissions beyond MaxBuilds instead of
	// rejecting them with ErrCapacity
	QueueOnFull bool
	// QueueSize bounds the overflow queue when QueueOnFull is set
	QueueSize int
	// MaxParallel is the per-build stage concurrency within a column
	MaxParallel int
}

// Worker executes dispatched builds on a fixed-size slot pool. Every build
// holds exactly one slot from start to terminal state; the slot is released
// on every exit path including panics, so capacity is never leaked.
type Worker struct {
	cfg    Config
	store  *state.Store
	runner executor.StepRunner
	sink   relay.EventSink
	logger *logger.Logger

	mu      sync.Mutex
	active  int
	queue   []relay.DispatchRequest
	cancels map[string]context.CancelFunc
}

// New creates a worker. sink may be nil when the worker shares the master's
// store in process and nothing needs relaying.
func New(cfg Config, store *state.Store, runner executor.StepRunner, sink relay.EventSink, log *logger.Logger) *Worker {
	if cfg.MaxBuilds <= 0 {
		cfg.MaxBuilds = 1
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxBuilds
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		sink:    sink,
		logger:  log.Component("worker"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit accepts a dispatched build if a slot is free, queues it when
// configured to, and returns ErrCapacity otherwise.
func (w *Worker) Submit(req relay.DispatchRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active < w.cfg.MaxBuilds {
		w.active++
		go w.run(req)
		return nil
	}
	if w.cfg.QueueOnFull && len(w.queue) < w.cfg.QueueSize {
		w.queue = append(w.queue, req)
		w.logger.Info("build queued on worker",
			"build_id", req.Build.ID,
			"queue_depth", len(w.queue))
		return nil
	}
	return ErrCapacity
}

// release frees the caller's slot and starts the next queued build, if any,
// on the freed slot
func (w *Worker) release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.active--
	if len(w.queue) > 0 {
		next := w.queue[0]
		w.queue = w.queue[1:]
		w.active++
		go w.run(next)
	}
}

// ActiveBuilds returns the number of builds currently holding a slot
func (w *Worker) ActiveBuilds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// QueuedBuilds returns the overflow queue depth
func (w *Worker) QueuedBuilds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Cancel aborts a running build. It reports whether the build was found.
func (w *Worker) Cancel(buildID string) bool {
	w.mu.Lock()
	cancel, ok := w.cancels[buildID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// DecideGate applies an approval decision forwarded by the master to the
// pending gate of the named stage
func (w *Worker) DecideGate(buildID, stageName string, approve bool, actor, actorRole string) error {
	gate, err := w.store.FindGate(buildID, stageName)
	if err != nil {
		return err
	}
	_, err = w.store.DecideGate(gate.ID, approve, actor, actorRole)
	return err
}

func (w *Worker) run(req relay.DispatchRequest) {
	defer w.release()

	stages := pipeline.ExpandMatrix(req.Pipeline.Stages)
	sched, resolveErr := pipeline.Resolve(stages)

	var stageNames []string
	if resolveErr == nil {
		stageNames = sched.StageNames()
	}
	build := w.store.ImportBuild(req.Build, stageNames)

	if resolveErr != nil {
		w.failBuild(build.ID, fmt.Sprintf("pipeline does not resolve: %v", resolveErr))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancels[build.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.cancels, build.ID)
		w.mu.Unlock()
		cancel()
	}()

	forwardDone := w.forwardEvents(build.ID)

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("executor panicked",
					"build_id", build.ID,
					"panic", fmt.Sprint(r))
				w.failBuild(build.ID, fmt.Sprintf("executor panicked: %v", r))
			}
		}()
		exec := executor.New(w.store, w.runner, w.logger, w.cfg.MaxParallel)
		if err := exec.Run(ctx, build.ID, stages, sched, req.Build.Parameters); err != nil {
			w.logger.Error("executor failed",
				"build_id", build.ID,
				"error", err)
		}
	}()

	if forwardDone != nil {
		forwardDone()
	}
	w.uploadArtifacts(build.ID, stages)
	w.sendResult(build.ID)
}

// uploadArtifacts sends the files the pipeline's steps declared, when the
// sink can carry them. Files a step never produced are reported per file
// by the client and do not fail the build.
func (w *Worker) uploadArtifacts(buildID string, stages []pipeline.StageDef) {
	uploader, ok := w.sink.(relay.ArtifactUploader)
	if !ok {
		return
	}

	var artifacts []relay.Artifact
	for _, st := range stages {
		for _, step := range st.Steps {
			for _, path := range step.Artifacts {
				artifacts = append(artifacts, relay.Artifact{Name: filepath.Base(path), Path: path})
			}
		}
	}
	if len(artifacts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	report, err := uploader.UploadArtifacts(ctx, buildID, artifacts)
	if err != nil {
		w.logger.Warn("artifact upload failed",
			"build_id", buildID,
			"error", err)
		return
	}
	w.logger.Info("artifacts uploaded",
		"build_id", buildID,
		"uploaded", len(report.Uploaded),
		"failed", len(report.Failed))
}

// forwardEvents streams the build's events to the sink in sequence order.
// The subscription is lossless: a burst of transitions outrunning the relay
// queues up instead of dropping, so the master's stage and step mirror never
// goes stale. The returned func stops the subscription after draining what
// was already published, so the terminal events reach the master before the
// result does.
func (w *Worker) forwardEvents(buildID string) func() {
	if w.sink == nil {
		return nil
	}
	past, ch, unsub, err := w.store.SubscribeLossless(buildID)
	if err != nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ev := range past {
			w.sendEvent(ev)
		}
		for ev := range ch {
			w.sendEvent(ev)
		}
	}()

	return func() {
		unsub()
		<-done
	}
}

func (w *Worker) sendEvent(ev models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.sink.SendEvent(ctx, ev); err != nil {
		w.logger.Warn("event relay failed",
			"build_id", ev.BuildID,
			"sequence", ev.Sequence,
			"error", err)
	}
}

func (w *Worker) sendResult(buildID string) {
	if w.sink == nil {
		return
	}
	build, err := w.store.GetBuild(buildID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.sink.SendResult(ctx, *build); err != nil {
		w.logger.Error("result relay failed",
			"build_id", buildID,
			"error", err)
	}
}

// failBuild drives the build to failure unless it already settled
func (w *Worker) failBuild(buildID, reason string) {
	if _, err := w.store.TransitionBuild(buildID, models.BuildFailure, reason); err != nil {
		var te *state.TransitionError
		if !errors.As(err, &te) {
			w.logger.Error("could not fail build",
				"build_id", buildID,
				"error", err)
		}
	}
}
