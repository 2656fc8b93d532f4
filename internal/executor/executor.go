package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/pipeline"
	"github.com/lei/conveyor/internal/state"
	"github.com/lei/conveyor/pkg/logger"
)

// StepRunner executes one step and returns its exit code and captured
// output. Implementations are injected; the engine defines only this
// contract, not the runtime behind it. The runner must honor ctx
// cancellation.
type StepRunner interface {
	RunStep(ctx context.Context, step pipeline.StepDef, env map[string]string) (exitCode int, output string, err error)
}

/// Executor drives one build through its schedule: columns in order, stages
// within a column concurrently up to maxParallel, steps sequentially within
// a stage. Every transition goes through the state machine; failures become
// data on the result records, never panics.
type Executor struct {
	store       *state.Store
	runner      StepRunner
	logger      *logger.Logger
	maxParallel int
}

// New creates an Executor bound to a state store and step runner
func New(store *state.Store, runner StepRunner, log *logger.Logger, maxParallel int) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Executor{
		store:       store,
		runner:      runner,
		logger:      log.Component("executor"),
		maxParallel: maxParallel,
	}
}

// Run executes the build to a terminal status. stages must already be
// matrix-expanded and sched resolved from them. Cancelling ctx interrupts
// any step in flight, skips the stages that never started, and settles the
// build as aborted.
func (e *Executor) Run(ctx context.Context, buildID string, stages []pipeline.StageDef, sched *pipeline.Schedule, params map[string]string) error {
	byName := make(map[string]*pipeline.StageDef, len(stages))
	for i := range stages {
		byName[stages[i].Name] = &stages[i]
	}

	if _, err := e.store.TransitionBuild(buildID, models.BuildRunning, ""); err != nil {
		return fmt.Errorf("start build: %w", err)
	}

	e.logger.Info("build started",
		"build_id", buildID,
		"columns", len(sched.Columns),
		"stages", len(stages))

	cancelled := false
	for _, column := range sched.Columns {
		if ctx.Err() != nil {
			cancelled = true
		}

		var runnable []string
		for _, name := range column {
			if cancelled {
				e.settleUnrun(buildID, name, "build aborted")
				continue
			}
			if reason, skip := e.shouldSkip(buildID, name, sched); skip {
				// short-circuit failure propagation: dependents of a
				// non-success stage never run
				if err := e.store.TransitionStage(buildID, name, models.StageSkipped, reason); err != nil {
					e.logger.Error("skip transition failed", "build_id", buildID, "stage", name, "error", err)
				}
				continue
			}
			if err := e.store.TransitionStage(buildID, name, models.StageQueued, ""); err != nil {
				e.logger.Error("queue transition failed", "build_id", buildID, "stage", name, "error", err)
				continue
			}
			runnable = append(runnable, name)
		}

		if len(runnable) > 0 {
			// A column starts only after every prior column settled;
			// within it, stages run concurrently bounded by the worker
			// pool capacity.
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(e.maxParallel)
			for _, name := range runnable {
				name := name
				g.Go(func() error {
					defer func() {
						if r := recover(); r != nil {
							e.logger.Error("stage panicked",
								"build_id", buildID,
								"stage", name,
								"panic", fmt.Sprint(r))
							e.failStage(buildID, name, fmt.Sprintf("stage panicked: %v", r))
						}
					}()
					e.runStage(gctx, buildID, byName[name], params)
					return nil
				})
			}
			_ = g.Wait()
		}

		if ctx.Err() != nil {
			cancelled = true
		}
	}

	return e.settleBuild(buildID, cancelled)
}

// shouldSkip reports whether any dependency of the stage failed to reach
// success
func (e *Executor) shouldSkip(buildID, stageName string, sched *pipeline.Schedule) (string, bool) {
	for _, dep := range sched.Dependencies[stageName] {
		status, err := e.store.StageStatus(buildID, dep)
		if err != nil {
			continue
		}
		if status != models.StageSuccess {
			return fmt.Sprintf("dependency %q finished %s", dep, status), true
		}
	}
	return "", false
}

// settleUnrun marks a stage that will never run because the build was
// cancelled first
func (e *Executor) settleUnrun(buildID, stageName, reason string) {
	status, err := e.store.StageStatus(buildID, stageName)
	if err != nil || status.Terminal() {
		return
	}
	if err := e.store.TransitionStage(buildID, stageName, models.StageSkipped, reason); err != nil {
		e.logger.Error("abort skip failed", "build_id", buildID, "stage", stageName, "error", err)
	}
}

// runStage executes one stage: an approval gate suspends, an ordinary
// stage runs its steps sequentially
func (e *Executor) runStage(ctx context.Context, buildID string, def *pipeline.StageDef, params map[string]string) {
	if def.IsGate() {
		e.runGateStage(ctx, buildID, def)
		return
	}

	if err := e.store.TransitionStage(buildID, def.Name, models.StageRunning, ""); err != nil {
		e.logger.Error("stage start failed", "build_id", buildID, "stage", def.Name, "error", err)
		return
	}

	env := stageEnv(def.Name, params)
	results := make(map[string]models.StageStatus, len(def.Steps))

	status := models.StageSuccess
	reason := ""
	for _, step := range def.Steps {
		if ctx.Err() != nil {
			status, reason = models.StageAborted, "build aborted"
			break
		}

		stepStatus := e.runStep(ctx, buildID, def.Name, step, env, results)
		results[step.Name] = stepStatus

		if stepStatus == models.StageFailure {
			status = models.StageFailure
			reason = fmt.Sprintf("step %q failed", step.Name)
			break
		}
		if stepStatus == models.StageAborted {
			status, reason = models.StageAborted, "build aborted"
			break
		}
	}

	if err := e.store.TransitionStage(buildID, def.Name, status, reason); err != nil {
		e.logger.Error("stage settle failed", "build_id", buildID, "stage", def.Name, "error", err)
	}
}

// runStep applies condition, timeout and retry semantics around the
// injected runner. The last attempt's outcome is authoritative; individual
// attempts surface as events.
func (e *Executor) runStep(ctx context.Context, buildID, stageName string, step pipeline.StepDef, env map[string]string, prior map[string]models.StageStatus) models.StageStatus {
	if step.Condition != "" {
		ok, err := evalCondition(step.Condition, conditionEnv(stageName, env, prior))
		if err != nil {
			e.logger.Warn("malformed step condition, skipping step",
				"build_id", buildID,
				"stage", stageName,
				"step", step.Name,
				"condition", step.Condition,
				"error", err)
		}
		if !ok {
			if err := e.store.TransitionStep(buildID, stageName, step.Name, models.StageSkipped, nil, "condition not met"); err != nil {
				e.logger.Error("step skip failed", "build_id", buildID, "step", step.Name, "error", err)
			}
			return models.StageSkipped
		}
	}

	attempts := step.Retries + 1
	var (
		exitCode int
		runErr   error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			e.transitionStep(buildID, stageName, step.Name, models.StageAborted, nil, "build aborted")
			return models.StageAborted
		}

		e.transitionStep(buildID, stageName, step.Name, models.StageRunning, nil, "")
		if attempt > 1 {
			_ = e.store.AppendEvent(buildID, models.Event{
				Type:      models.EventStep,
				StageName: stageName,
				StepName:  step.Name,
				Status:    string(models.StageRunning),
				Attempt:   attempt,
				Message:   "retry",
			})
		}

		exitCode, runErr = e.invokeRunner(ctx, step, env)
		if runErr == nil && exitCode == 0 {
			e.transitionStep(buildID, stageName, step.Name, models.StageSuccess, &exitCode, "")
			return models.StageSuccess
		}

		if errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
			e.transitionStep(buildID, stageName, step.Name, models.StageAborted, nil, "build aborted")
			return models.StageAborted
		}

		e.logger.Warn("step attempt failed",
			"build_id", buildID,
			"stage", stageName,
			"step", step.Name,
			"attempt", attempt,
			"exit_code", exitCode,
			"error", runErr)
		_ = e.store.AppendEvent(buildID, models.Event{
			Type:      models.EventStep,
			StageName: stageName,
			StepName:  step.Name,
			Status:    string(models.StageFailure),
			Attempt:   attempt,
			Message:   failureReason(exitCode, runErr),
		})
	}

	e.transitionStep(buildID, stageName, step.Name, models.StageFailure, &exitCode, failureReason(exitCode, runErr))
	return models.StageFailure
}

// invokeRunner wraps one runner call with the step timeout; expiry counts
// as a failed attempt
func (e *Executor) invokeRunner(ctx context.Context, step pipeline.StepDef, env map[string]string) (int, error) {
	runCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	exitCode, _, err := e.runner.RunStep(runCtx, step, env)
	if err == nil && exitCode != 0 {
		err = fmt.Errorf("exit code %d", exitCode)
	}
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return exitCode, fmt.Errorf("step timed out after %s", step.Timeout)
	}
	return exitCode, err
}

func (e *Executor) transitionStep(buildID, stageName, stepName string, to models.StageStatus, exitCode *int, reason string) {
	if err := e.store.TransitionStep(buildID, stageName, stepName, to, exitCode, reason); err != nil {
		e.logger.Error("step transition failed",
			"build_id", buildID,
			"stage", stageName,
			"step", stepName,
			"to", string(to),
			"error", err)
	}
}

// settleBuild derives the terminal build status from its stage statuses
func (e *Executor) settleBuild(buildID string, cancelled bool) error {
	_, stages, _, err := e.store.BuildDetail(buildID)
	if err != nil {
		return err
	}

	status := models.BuildSuccess
	reason := ""
	for _, st := range stages {
		switch st.Status {
		case models.StageAborted:
			status, reason = models.BuildAborted, "build aborted"
		case models.StageFailure:
			if status != models.BuildAborted {
				status, reason = models.BuildFailure, fmt.Sprintf("stage %q failed", st.StageName)
			}
		case models.StageSkipped:
			if status == models.BuildSuccess {
				status, reason = models.BuildFailure, fmt.Sprintf("stage %q skipped", st.StageName)
			}
		}
	}
	if cancelled {
		status, reason = models.BuildAborted, "build aborted"
	}

	if _, err := e.store.TransitionBuild(buildID, status, reason); err != nil {
		return fmt.Errorf("settle build: %w", err)
	}

	e.logger.Info("build settled", "build_id", buildID, "status", string(status))
	return nil
}

func failureReason(exitCode int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("exit code %d", exitCode)
}

// stageEnv merges build parameters with the stage's matrix axis values
func stageEnv(stageName string, params map[string]string) map[string]string {
	env := make(map[string]string, len(params)+2)
	for k, v := range params {
		env[k] = v
	}
	for k, v := range pipeline.MatrixAxisValues(stageName) {
		env[k] = v
	}
	return env
}

// conditionEnv extends the step environment with prior step statuses as
// "<stage>.<step>.status" keys
func conditionEnv(stageName string, env map[string]string, prior map[string]models.StageStatus) map[string]string {
	out := make(map[string]string, len(env)+len(prior))
	for k, v := range env {
		out[k] = v
	}
	for step, status := range prior {
		out[stageName+"."+step+".status"] = string(status)
	}
	return out
}

// runGateStage suspends the stage on a pending approval gate until it is
// approved, rejected or times out. The deadline is enforced here: on
// expiry the executor itself drives the gate to timed_out, no external
// watchdog involved.
func (e *Executor) runGateStage(ctx context.Context, buildID string, def *pipeline.StageDef) {
	if err := e.store.TransitionStage(buildID, def.Name, models.StageRunning, ""); err != nil {
		e.logger.Error("gate stage start failed", "build_id", buildID, "stage", def.Name, "error", err)
		return
	}

	spec := def.Gate()
	gate, err := e.store.CreateGate(buildID, def.Name, spec.RequiredRole, spec.TimeoutMinutes)
	if err != nil {
		e.failStage(buildID, def.Name, fmt.Sprintf("open approval gate: %v", err))
		return
	}
	done, err := e.store.GateDone(gate.ID)
	if err != nil {
		e.failStage(buildID, def.Name, fmt.Sprintf("approval gate handle: %v", err))
		return
	}

	deadline := time.Duration(spec.TimeoutMinutes) * time.Minute
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		// a decision racing the deadline wins; ErrGateDecided is fine
		if _, err := e.store.TimeoutGate(gate.ID); err != nil && !errors.Is(err, state.ErrGateDecided) {
			e.logger.Error("gate timeout failed", "gate_id", gate.ID, "error", err)
		}
	case <-ctx.Done():
		if _, err := e.store.TimeoutGate(gate.ID); err != nil && !errors.Is(err, state.ErrGateDecided) {
			e.logger.Error("gate abort failed", "gate_id", gate.ID, "error", err)
		}
		if err := e.store.TransitionStage(buildID, def.Name, models.StageAborted, "build aborted"); err != nil {
			e.logger.Error("gate stage abort failed", "build_id", buildID, "stage", def.Name, "error", err)
		}
		return
	}

	decided, err := e.store.GetGate(gate.ID)
	if err != nil {
		e.failStage(buildID, def.Name, fmt.Sprintf("read approval gate: %v", err))
		return
	}

	switch decided.Status {
	case models.GateApproved:
		if err := e.store.TransitionStage(buildID, def.Name, models.StageSuccess, "approved by "+decided.ApprovedBy); err != nil {
			e.logger.Error("gate stage settle failed", "build_id", buildID, "stage", def.Name, "error", err)
		}
	case models.GateRejected:
		e.failStage(buildID, def.Name, "approval rejected by "+decided.RejectedBy)
	case models.GateTimedOut:
		e.failStage(buildID, def.Name, "approval timed out")
	default:
		e.failStage(buildID, def.Name, "approval gate in unexpected state "+string(decided.Status))
	}
}

func (e *Executor) failStage(buildID, stageName, reason string) {
	if err := e.store.TransitionStage(buildID, stageName, models.StageFailure, reason); err != nil {
		e.logger.Error("stage fail transition failed", "build_id", buildID, "stage", stageName, "error", err)
	}
}
