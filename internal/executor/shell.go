package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/lei/conveyor/internal/pipeline"
)

// ShellRunner is the local StepRunner: it executes a step's command in a
// shell with the step environment appended to the process environment.
// Used by the local worker pool and by agents without a container runtime.
type ShellRunner struct {
	// Shell defaults to "sh"
	Shell string
}

// RunStep runs the step command, honoring ctx cancellation through the
// process context. Returns the process exit code and combined output.
func (r *ShellRunner) RunStep(ctx context.Context, step pipeline.StepDef, env map[string]string) (int, string, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", step.Run)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), out.String(), nil
		}
		if ctx.Err() != nil {
			return -1, out.String(), ctx.Err()
		}
		return -1, out.String(), err
	}
	return 0, out.String(), nil
}
