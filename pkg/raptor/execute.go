package raptor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// Function is a registered callable a TASK_FUNCTION task dispatches
// to by FunctionID.
type Function func(args []interface{}) (interface{}, error)

// FunctionRegistry looks up Functions by the name a task's
// Description.FunctionID carries.
type FunctionRegistry map[string]Function

// NewExecuteFunc builds an ExecuteFunc that dispatches on a task's
// RaptorMode (spec.md §4.7): TASK_FUNCTION calls into registry,
// TASK_PROC/TASK_EXEC run Description.Executable directly, TASK_SHELL
// runs it through /bin/sh -c. TASK_EVAL has no host-language
// equivalent without embedding a real interpreter and is reported as
// unsupported.
func NewExecuteFunc(registry FunctionRegistry) ExecuteFunc {
	return func(ctx context.Context, task *types.Task) (int, error) {
		desc := task.Description
		switch desc.RaptorMode {
		case types.RaptorTaskFunction:
			fn, ok := registry[desc.FunctionID]
			if !ok {
				return 1, fmt.Errorf("raptor: no function registered for %q", desc.FunctionID)
			}
			if _, err := fn(desc.FunctionArgs); err != nil {
				return 1, err
			}
			return 0, nil

		case types.RaptorTaskShell:
			line := desc.Executable
			if len(desc.Arguments) > 0 {
				line = line + " " + strings.Join(desc.Arguments, " ")
			}
			cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
			applyEnv(cmd, desc.Environment)
			err := cmd.Run()
			return exitCodeOf(cmd, err)

		case types.RaptorTaskProc, types.RaptorTaskExec:
			cmd := exec.CommandContext(ctx, desc.Executable, desc.Arguments...)
			applyEnv(cmd, desc.Environment)
			err := cmd.Run()
			return exitCodeOf(cmd, err)

		case types.RaptorTaskEval:
			return 1, fmt.Errorf("raptor: TASK_EVAL requires an embedded interpreter, not available")

		default:
			return 1, fmt.Errorf("raptor: unsupported mode %q", desc.RaptorMode)
		}
	}
}

func applyEnv(cmd *exec.Cmd, env map[string]string) {
	if len(env) == 0 {
		return
	}
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
}

func exitCodeOf(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 1, err
}
