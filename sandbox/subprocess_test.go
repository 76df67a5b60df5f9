package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const mockTempDir = "/tmp/pysandbox-test"

func newPreparedSubprocessRunner(t *testing.T, cmdRunner *MockCommandRunner, fs *MockFileSystem, opts SubprocessOptions) *SubprocessRunner {
	t.Helper()

	r := NewSubprocessRunner(zaptest.NewLogger(t), opts,
		WithSubprocessCommandRunner(cmdRunner),
		WithSubprocessFileSystem(fs),
	)
	require.NoError(t, r.Prepare(context.Background()))
	return r
}

func TestSubprocessRunnerPrepare(t *testing.T) {
	t.Run("CreatesVirtualEnvironment", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		calls := cmdRunner.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, []string{"python3", "-m", "venv", filepath.Join(mockTempDir, "venv")}, calls[0].Args)
		assert.Equal(t, mockTempDir, calls[0].Dir)
		assert.Equal(t, venvPython(filepath.Join(mockTempDir, "venv")), r.python)
	})

	t.Run("CustomInterpreter", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{}
		newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{Interpreter: "/usr/bin/python3.12"})

		assert.Equal(t, "/usr/bin/python3.12", cmdRunner.Calls()[0].Args[0])
	})

	t.Run("SecondPrepareFails", func(t *testing.T) {
		r := newPreparedSubprocessRunner(t, &MockCommandRunner{}, &MockFileSystem{}, SubprocessOptions{})

		assert.ErrorIs(t, r.Prepare(context.Background()), ErrAlreadyPrepared)
	})

	t.Run("TempDirFailure", func(t *testing.T) {
		r := NewSubprocessRunner(zaptest.NewLogger(t), SubprocessOptions{},
			WithSubprocessCommandRunner(&MockCommandRunner{}),
			WithSubprocessFileSystem(&MockFileSystem{mkdirTempErr: errors.New("disk full")}),
		)

		err := r.Prepare(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("VenvFailure", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{
			commandResults: map[string]commandResult{
				"venv": {stderr: "No module named venv\n", exitCode: 1},
			},
		}
		r := NewSubprocessRunner(zaptest.NewLogger(t), SubprocessOptions{},
			WithSubprocessCommandRunner(cmdRunner),
			WithSubprocessFileSystem(&MockFileSystem{}),
		)

		err := r.Prepare(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "No module named venv")
	})
}

func TestSubprocessRunnerInstallDependencies(t *testing.T) {
	t.Run("InstallsEachSpecWithHostEnvironment", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		err := r.InstallDependencies(context.Background(), []DependencySpec{
			{Name: "numpy", Constraint: ">=1.26"},
			{Name: "requests", Extras: []string{"socks"}},
		})
		require.NoError(t, err)

		calls := cmdRunner.Calls()[1:]
		require.Len(t, calls, 2)
		assert.Equal(t, []string{r.python, "-m", "pip", "install", "--quiet", "--disable-pip-version-check", "numpy>=1.26"}, calls[0].Args)
		assert.Equal(t, "requests[socks]", calls[1].Args[len(calls[1].Args)-1])
		assert.Nil(t, calls[0].Env)
	})

	t.Run("CustomInstallCommand", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{
			InstallCommand: []string{"uv", "pip", "install", "--python", "{python}"},
		})

		require.NoError(t, r.InstallDependencies(context.Background(), []DependencySpec{{Name: "rich"}}))

		assert.Equal(t, []string{"uv", "pip", "install", "--python", r.python, "rich"}, cmdRunner.Calls()[1].Args)
	})

	t.Run("FailureNamesSpec", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{
			commandResults: map[string]commandResult{
				"no-such-package": {stderr: "ERROR: No matching distribution found\n", exitCode: 1},
			},
		}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		err := r.InstallDependencies(context.Background(), []DependencySpec{
			{Name: "no-such-package"},
			{Name: "never-reached"},
		})

		var installErr *DependencyInstallError
		require.ErrorAs(t, err, &installErr)
		assert.Equal(t, "no-such-package", installErr.Spec.Name)
		assert.Equal(t, "ERROR: No matching distribution found", installErr.Message)
		assert.Len(t, cmdRunner.Calls(), 2)
	})

	t.Run("FailureWithoutStderr", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{
			commandResults: map[string]commandResult{"pip": {exitCode: 2}},
		}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		err := r.InstallDependencies(context.Background(), []DependencySpec{{Name: "x"}})

		var installErr *DependencyInstallError
		require.ErrorAs(t, err, &installErr)
		assert.Equal(t, "installer exited with status 2", installErr.Message)
	})

	t.Run("NotPrepared", func(t *testing.T) {
		r := NewSubprocessRunner(zaptest.NewLogger(t), SubprocessOptions{})

		assert.ErrorIs(t, r.InstallDependencies(context.Background(), nil), ErrNotPrepared)
	})
}

func TestSubprocessRunnerExecute(t *testing.T) {
	t.Run("PassesExactEnvironment", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{defaultResult: commandResult{stdout: "ok\n"}}
		fs := &MockFileSystem{}
		r := newPreparedSubprocessRunner(t, cmdRunner, fs, SubprocessOptions{})

		out := r.Execute(context.Background(), Harness{Mode: ModeScript, Source: "print('ok')"}, time.Second,
			map[string]string{"LANG": "C.UTF-8", "PATH": "/usr/bin"}, false)

		assert.Equal(t, ExecutionOutcome{Stdout: "ok\n"}, out)

		harnessPath := filepath.Join(mockTempDir, "harness_1.py")
		assert.Equal(t, "print('ok')", string(fs.writeFileData[harnessPath]))
		assert.Contains(t, fs.Removed(), harnessPath)

		call := cmdRunner.Calls()[1]
		assert.Equal(t, []string{r.python, "-u", harnessPath}, call.Args)
		assert.Equal(t, []string{"LANG=C.UTF-8", "PATH=/usr/bin"}, call.Env)
	})

	t.Run("EmptyEnvironmentIsNotInherited", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		r.Execute(context.Background(), Harness{Source: "pass"}, time.Second, map[string]string{}, false)

		env := cmdRunner.Calls()[1].Env
		assert.NotNil(t, env)
		assert.Empty(t, env)
	})

	t.Run("HarnessFilesAreNumbered", func(t *testing.T) {
		fs := &MockFileSystem{}
		r := newPreparedSubprocessRunner(t, &MockCommandRunner{}, fs, SubprocessOptions{})

		r.Execute(context.Background(), Harness{Source: "a"}, time.Second, nil, false)
		r.Execute(context.Background(), Harness{Source: "b"}, time.Second, nil, false)

		assert.Equal(t, "a", string(fs.writeFileData[filepath.Join(mockTempDir, "harness_1.py")]))
		assert.Equal(t, "b", string(fs.writeFileData[filepath.Join(mockTempDir, "harness_2.py")]))
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{
			commandResults: map[string]commandResult{"harness_": {stderr: "boom\n", exitCode: 1}},
		}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		out := r.Execute(context.Background(), Harness{Source: "raise SystemExit(1)"}, time.Second, nil, false)

		assert.False(t, out.LaunchFailed)
		assert.Equal(t, 1, out.ExitCode)
		assert.Equal(t, "boom\n", out.Stderr)
		assert.False(t, out.TimedOut)
	})

	t.Run("Timeout", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{blockUntilDone: "harness_"}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		out := r.Execute(context.Background(), Harness{Source: "while True: pass"}, 50*time.Millisecond, nil, false)

		assert.True(t, out.TimedOut)
		assert.Equal(t, "partial output\n", out.Stdout)
		assert.Equal(t, "partial error\n", out.Stderr)
	})

	t.Run("CallerCancellation", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{blockUntilDone: "harness_"}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		out := r.Execute(ctx, Harness{Source: "pass"}, time.Minute, nil, false)

		assert.True(t, out.LaunchFailed)
		assert.Contains(t, out.LaunchMessage, "cancelled")
	})

	t.Run("CallerDeadlineIsNotTimeout", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{blockUntilDone: "harness_"}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		out := r.Execute(ctx, Harness{Source: "while True: pass"}, time.Minute, nil, false)

		assert.False(t, out.TimedOut)
		assert.True(t, out.LaunchFailed)
		assert.Contains(t, out.LaunchMessage, "execution cancelled")
	})

	t.Run("LaunchFailure", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{
			commandResults: map[string]commandResult{"harness_": {err: errors.New("exec format error")}},
		}
		r := newPreparedSubprocessRunner(t, cmdRunner, &MockFileSystem{}, SubprocessOptions{})

		out := r.Execute(context.Background(), Harness{Source: "pass"}, time.Second, nil, false)

		assert.True(t, out.LaunchFailed)
		assert.Contains(t, out.LaunchMessage, "exec format error")
	})

	t.Run("WriteFailure", func(t *testing.T) {
		fs := &MockFileSystem{writeFileErrors: map[string]error{
			filepath.Join(mockTempDir, "harness_1.py"): errors.New("read-only file system"),
		}}
		r := newPreparedSubprocessRunner(t, &MockCommandRunner{}, fs, SubprocessOptions{})

		out := r.Execute(context.Background(), Harness{Source: "pass"}, time.Second, nil, false)

		assert.True(t, out.LaunchFailed)
		assert.Contains(t, out.LaunchMessage, "read-only file system")
	})

	t.Run("NotPrepared", func(t *testing.T) {
		r := NewSubprocessRunner(zaptest.NewLogger(t), SubprocessOptions{})

		out := r.Execute(context.Background(), Harness{}, time.Second, nil, false)

		assert.True(t, out.LaunchFailed)
		assert.Equal(t, ErrNotPrepared.Error(), out.LaunchMessage)
	})
}

func TestSubprocessRunnerPythonArgs(t *testing.T) {
	r := &SubprocessRunner{python: "/venv/bin/python"}
	assert.Equal(t, []string{"/venv/bin/python", "-u", "/d/h.py"}, r.pythonArgs("/d/h.py"))

	r.opts = SubprocessOptions{CPUTimeLimitSec: 5, MemoryLimitMB: 256}
	assert.Equal(t, []string{
		"/bin/sh", "-c", `ulimit -t 5 && ulimit -v 262144 && exec "$@"`, "sh",
		"/venv/bin/python", "-u", "/d/h.py",
	}, r.pythonArgs("/d/h.py"))
}

func TestSubprocessRunnerTeardown(t *testing.T) {
	t.Run("RemovesDirectory", func(t *testing.T) {
		fs := &MockFileSystem{}
		r := newPreparedSubprocessRunner(t, &MockCommandRunner{}, fs, SubprocessOptions{})

		r.Teardown(context.Background())
		r.Teardown(context.Background())

		assert.Equal(t, []string{mockTempDir}, fs.Removed())

		out := r.Execute(context.Background(), Harness{}, time.Second, nil, false)
		assert.True(t, out.LaunchFailed)
	})

	t.Run("UnpreparedIsNoop", func(t *testing.T) {
		fs := &MockFileSystem{}
		r := NewSubprocessRunner(zaptest.NewLogger(t), SubprocessOptions{}, WithSubprocessFileSystem(fs))

		r.Teardown(context.Background())

		assert.Empty(t, fs.Removed())
	})

	t.Run("RemovalErrorIsLogged", func(t *testing.T) {
		fs := &MockFileSystem{removeAllErrors: map[string]error{mockTempDir: errors.New("busy")}}
		r := newPreparedSubprocessRunner(t, &MockCommandRunner{}, fs, SubprocessOptions{})

		assert.NotPanics(t, func() { r.Teardown(context.Background()) })
	})
}
