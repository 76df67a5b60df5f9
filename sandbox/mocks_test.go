package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are matched
// by the first command-line argument that contains a configured key.
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]commandResult
	defaultResult  commandResult
	// blockUntilDone makes matching commands wait for their context, like a process that never exits.
	blockUntilDone string
	calls          []Command
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	m.mu.Unlock()

	joined := strings.Join(cmd.Args, " ")

	if m.blockUntilDone != "" && strings.Contains(joined, m.blockUntilDone) {
		<-ctx.Done()
		return "partial output\n", "partial error\n", -1, nil
	}

	for key, result := range m.commandResults {
		if strings.Contains(joined, key) {
			return result.stdout, result.stderr, result.exitCode, result.err
		}
	}

	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.calls...)
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mu              sync.Mutex
	tempDir         string
	mkdirTempErr    error
	writeFileErrors map[string]error
	writeFileData   map[string][]byte
	removeAllErrors map[string]error
	removed         []string
}

func (m *MockFileSystem) MkdirTemp(_, _ string) (string, error) {
	if m.mkdirTempErr != nil {
		return "", m.mkdirTempErr
	}
	if m.tempDir != "" {
		return m.tempDir, nil
	}
	return "/tmp/pysandbox-test", nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, exists := m.writeFileErrors[filename]; exists {
		return err
	}
	if m.writeFileData == nil {
		m.writeFileData = make(map[string][]byte)
	}
	m.writeFileData[filename] = data
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removed = append(m.removed, path)
	if err, exists := m.removeAllErrors[path]; exists {
		return err
	}
	return nil
}

func (m *MockFileSystem) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// MockRunner implements Runner for testing the Sandbox facade.
type MockRunner struct {
	mu sync.Mutex

	prepareErr error
	installErr error
	outcome    ExecutionOutcome
	// outcomeFn, when set, computes the outcome from the harness.
	outcomeFn func(h Harness) ExecutionOutcome

	prepareCalls  int
	installed     []DependencySpec
	executions    []mockExecution
	teardownCalls int
}

type mockExecution struct {
	harness      Harness
	timeout      time.Duration
	env          map[string]string
	allowNetwork bool
}

func (m *MockRunner) Prepare(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareCalls++
	if m.prepareCalls > 1 {
		return ErrAlreadyPrepared
	}
	return m.prepareErr
}

func (m *MockRunner) InstallDependencies(_ context.Context, specs []DependencySpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed = append(m.installed, specs...)
	return m.installErr
}

func (m *MockRunner) Execute(_ context.Context, h Harness, timeout time.Duration, env map[string]string, allowNetwork bool) ExecutionOutcome {
	m.mu.Lock()
	m.executions = append(m.executions, mockExecution{harness: h, timeout: timeout, env: env, allowNetwork: allowNetwork})
	outcome, outcomeFn := m.outcome, m.outcomeFn
	m.mu.Unlock()

	if outcomeFn != nil {
		return outcomeFn(h)
	}
	return outcome
}

func (m *MockRunner) Teardown(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownCalls++
}

var errMock = errors.New("mock failure")
