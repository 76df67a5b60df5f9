// Package sandbox provides isolated execution of user-supplied Python code.
//
// A Sandbox session owns one Runner for its whole lifetime. Two backends are
// available: SubprocessRunner, which runs code as a child process inside a
// private virtual environment, and ContainerRunner, which runs it inside a
// Docker container with the network detached unless allowed. Code is run
// either as a script, with its output captured verbatim, or as a single
// function whose keyword arguments and return value cross the process
// boundary as JSON.
//
// Every execution failure (timeout, launch failure, non-zero exit, exception
// in the function, non-serializable return value) is reported inside the
// returned Result rather than as a Go error. Only Open fails with an error,
// for an invalid configuration or a dependency that cannot be installed.
//
// Usage:
//
//	sb, err := sandbox.Open(ctx, logger, sandbox.Config{
//	    RunnerKind: sandbox.RunnerSubprocess,
//	    Timeout:    10 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	defer sb.Close()
//
//	res := sb.RunFunction(ctx, sandbox.FunctionCall{
//	    Code:   "def main(numbers): return {'sum': sum(numbers)}",
//	    Inputs: map[string]any{"numbers": []int{1, 2, 3}},
//	})
package sandbox
