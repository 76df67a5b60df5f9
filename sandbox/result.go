package sandbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Outcome tags a Result so callers can tell "no value by design" (script mode)
// apart from "no value because something failed".
type Outcome int

const (
	OutcomeNoValue Outcome = iota
	OutcomeValue
	OutcomeFailure
)

// Result is the externally observable record of one execution. Stdout and
// Stderr are kept even when Error is set.
type Result struct {
	Stdout string          `json:"stdout"`
	Stderr string          `json:"stderr"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Outcome   Outcome   `json:"-"`
	ErrorKind ErrorKind `json:"-"`
}

// HasResult reports whether the execution produced a function return value.
func (r Result) HasResult() bool {
	return r.Outcome == OutcomeValue
}

// Failed reports whether the execution produced no usable value because of an error.
func (r Result) Failed() bool {
	return r.Outcome == OutcomeFailure
}

// Decode unmarshals the function return value into v.
func (r Result) Decode(v any) error {
	if !r.HasResult() {
		return fmt.Errorf("no result to decode: %s", r.Error)
	}
	return json.Unmarshal(r.Result, v)
}

// ExecutionOutcome is what a runner observed while running one harness.
// It is interpreted only by BuildResult.
type ExecutionOutcome struct {
	ExitCode      int
	Stdout        string
	Stderr        string
	TimedOut      bool
	LaunchFailed  bool
	LaunchMessage string
}

func failure(kind ErrorKind, msg, stdout, stderr string) Result {
	return Result{
		Stdout:    stdout,
		Stderr:    stderr,
		Error:     msg,
		Outcome:   OutcomeFailure,
		ErrorKind: kind,
	}
}

// BuildResult classifies a runner outcome for the given harness.
func BuildResult(h Harness, out ExecutionOutcome, timeout time.Duration) Result {
	if out.TimedOut {
		return failure(ErrorKindTimeout, timeoutMessage(timeout), out.Stdout, out.Stderr)
	}

	if out.LaunchFailed {
		msg := out.LaunchMessage
		if msg == "" {
			msg = "failed to launch execution"
		}
		return failure(ErrorKindLaunch, msg, "", "")
	}

	if h.Mode == ModeFunction {
		if res, ok := functionResult(h, out); ok {
			return res
		}
	}

	if out.ExitCode != 0 {
		return failure(ErrorKindExit, exitMessage(out), out.Stdout, out.Stderr)
	}

	if h.Mode == ModeFunction {
		return failure(ErrorKindHarness, "function produced no result", out.Stdout, out.Stderr)
	}

	return Result{Stdout: out.Stdout, Stderr: out.Stderr, Outcome: OutcomeNoValue}
}

// functionResult looks for a sentinel block in stdout. ok is false when none was written.
func functionResult(h Harness, out ExecutionOutcome) (Result, bool) {
	if payload, stdout, found := extractBlock(out.Stdout, resultMarker(h.Nonce), endMarker(h.Nonce)); found {
		if !json.Valid([]byte(payload)) {
			return failure(ErrorKindHarness, "harness produced a malformed result payload", stdout, out.Stderr), true
		}
		return Result{
			Stdout:  stdout,
			Stderr:  out.Stderr,
			Result:  json.RawMessage(payload),
			Outcome: OutcomeValue,
		}, true
	}

	if payload, stdout, found := extractBlock(out.Stdout, errorMarker(h.Nonce), endMarker(h.Nonce)); found {
		var report struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(payload), &report); err != nil {
			return failure(ErrorKindHarness, "harness produced a malformed error payload", stdout, out.Stderr), true
		}

		kind := ErrorKindUserExecution
		if report.Kind == "SerializationError" {
			kind = ErrorKindSerialization
		}
		return failure(kind, report.Message, stdout, out.Stderr), true
	}

	return Result{}, false
}

// extractBlock returns the payload between begin and end and stdout with the
// whole block removed.
func extractBlock(stdout, begin, end string) (payload, rest string, found bool) {
	start := strings.LastIndex(stdout, begin)
	if start < 0 {
		return "", stdout, false
	}

	bodyStart := start + len(begin)
	n := strings.Index(stdout[bodyStart:], end)
	if n < 0 {
		return "", stdout, false
	}

	bodyEnd := bodyStart + n
	return stdout[bodyStart:bodyEnd], stdout[:start] + stdout[bodyEnd+len(end):], true
}

func timeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("execution timed out after %ss", strconv.FormatFloat(timeout.Seconds(), 'g', -1, 64))
}

func exitMessage(out ExecutionOutcome) string {
	if msg := strings.TrimSpace(out.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("process exited with status %d", out.ExitCode)
}
