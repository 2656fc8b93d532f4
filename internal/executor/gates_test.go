package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/pipeline"
	"github.com/lei/conveyor/internal/state"
)

func gatePipeline(timeoutMinutes int) []pipeline.StageDef {
	return []pipeline.StageDef{
		{Name: "build", Steps: []pipeline.StepDef{{Name: "compile", Run: "x"}}},
		{Name: "post:deploy-approval", DependsOn: []string{"build"},
			Approval: &pipeline.ApprovalSpec{RequiredRole: "admin", TimeoutMinutes: timeoutMinutes}},
		{Name: "deploy", DependsOn: []string{"post:deploy-approval"},
			Steps: []pipeline.StepDef{{Name: "ship", Run: "x"}}},
	}
}

func startGateBuild(t *testing.T, stages []pipeline.StageDef) (*state.Store, *models.Build, *funcRunner, chan error) {
	t.Helper()
	sched, err := pipeline.Resolve(stages)
	require.NoError(t, err)

	store := state.NewStore(nil)
	build := store.CreateBuild("p", "manual", nil, nil, sched.StageNames(), nil)
	runner := &funcRunner{}

	done := make(chan error, 1)
	go func() {
		done <- New(store, runner, nil, 4).Run(context.Background(), build.ID, stages, sched, nil)
	}()
	return store, build, runner, done
}

func waitForGate(t *testing.T, store *state.Store, buildID string) models.ApprovalGate {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gates := store.ListGates(buildID); len(gates) > 0 {
			return gates[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no approval gate appeared")
	return models.ApprovalGate{}
}

func TestGate_ApproveContinues(t *testing.T) {
	store, build, runner, done := startGateBuild(t, gatePipeline(30))

	gate := waitForGate(t, store, build.ID)
	assert.Equal(t, models.GatePending, gate.Status)

	_, err := store.DecideGate(gate.ID, true, "alice", "admin")
	require.NoError(t, err)

	require.NoError(t, <-done)

	got, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildSuccess, got.Status)
	assert.Equal(t, 1, runner.callCount("ship"), "approved gate unblocks the column")
}

func TestGate_RejectFailsStage(t *testing.T) {
	store, build, runner, done := startGateBuild(t, gatePipeline(30))

	gate := waitForGate(t, store, build.ID)
	_, err := store.DecideGate(gate.ID, false, "alice", "admin")
	require.NoError(t, err)

	require.NoError(t, <-done)

	got, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildFailure, got.Status)

	statuses := stageStatuses(t, store, build.ID)
	assert.Equal(t, models.StageFailure, statuses["post:deploy-approval"])
	assert.Equal(t, models.StageSkipped, statuses["deploy"])
	assert.Equal(t, 0, runner.callCount("ship"))
}

func TestGate_ZeroTimeoutExpiresAutonomously(t *testing.T) {
	// timeout_minutes = 0: the gate times out without any approve or
	// reject call and without an external watchdog
	store, build, _, done := startGateBuild(t, gatePipeline(0))

	require.NoError(t, <-done)

	gates := store.ListGates(build.ID)
	require.Len(t, gates, 1)
	assert.Equal(t, models.GateTimedOut, gates[0].Status)

	statuses := stageStatuses(t, store, build.ID)
	assert.Equal(t, models.StageFailure, statuses["post:deploy-approval"])
	assert.Equal(t, models.StageSkipped, statuses["deploy"])

	got, err := store.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildFailure, got.Status)
}
