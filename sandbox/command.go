package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Command describes one external process launch.
type Command struct {
	Args []string
	Dir  string
	// Env is the complete environment of the process. A nil Env inherits the
	// host environment; use an empty, non-nil slice for none.
	Env []string
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	// RunCommand runs cmd to completion. Output captured before a context
	// expiry is returned with a nil error and exit code -1; err is reserved
	// for commands that could not be started at all.
	RunCommand(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands.
// Each command runs in its own process group, and the whole group is killed
// when the context expires.
type RealCommandRunner struct{}

// killGrace bounds how long Wait keeps reading pipes held open by orphans after a kill.
const killGrace = 2 * time.Second

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, c Command) (stdout, stderr string, exitCode int, err error) {
	if len(c.Args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // running user-supplied programs is the purpose
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = nil
	cmd.WaitDelay = killGrace
	setProcessGroup(cmd)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return "", "", -1, nil
		}
		return "", "", 0, err
	}

	err = cmd.Wait()

	if ctx.Err() != nil {
		return stdoutBuf.String(), stderrBuf.String(), -1, nil
	}

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		switch {
		case errors.As(err, &exitError):
			exitCode = exitError.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			exitCode = cmd.ProcessState.ExitCode()
		default:
			return stdoutBuf.String(), stderrBuf.String(), 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o600
)
