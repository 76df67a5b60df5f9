package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Mode selects how user code is turned into a harness program.
type Mode int

const (
	// ModeScript runs the code as-is.
	ModeScript Mode = iota
	// ModeFunction calls one function of the code with JSON inputs and captures its JSON return value.
	ModeFunction
)

func (m Mode) String() string {
	switch m {
	case ModeScript:
		return "script"
	case ModeFunction:
		return "function"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ExecutionRequest is one call to execute code inside a runner.
type ExecutionRequest struct {
	Mode     Mode
	Code     string
	FuncName string
	Inputs   map[string]any
	Async    bool
}

// Harness is the generated program plus the markers needed to read its output back.
type Harness struct {
	Mode   Mode
	Source string
	Nonce  string
}

const (
	sentinelPrefix = "<<<PYSANDBOX:"
	sentinelSuffix = ">>>"
)

func resultMarker(nonce string) string { return sentinelPrefix + "RESULT:" + nonce + sentinelSuffix }
func errorMarker(nonce string) string  { return sentinelPrefix + "ERROR:" + nonce + sentinelSuffix }
func endMarker(nonce string) string    { return sentinelPrefix + "END:" + nonce + sentinelSuffix }

// BuildHarness produces the program text for req. Function mode fails only when
// the inputs cannot be marshalled to JSON.
func BuildHarness(req ExecutionRequest) (Harness, error) {
	if req.Mode == ModeScript {
		return Harness{Mode: ModeScript, Source: req.Code}, nil
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return Harness{}, fmt.Errorf("inputs are not JSON serializable: %w", err)
	}

	funcName := req.FuncName
	if funcName == "" {
		funcName = DefaultFuncName
	}

	nonce := uuid.NewString()

	call := "_sbx_fn(**_sbx_inputs)"
	if req.Async {
		call = "_sbx_asyncio.run(" + call + ")"
	}

	future, body := splitFutureImports(req.Code)

	r := strings.NewReplacer(
		"{{FUTURE}}", future,
		"{{IMPORTS}}", harnessImports(req.Async),
		"{{USER_CODE}}", body,
		"{{INPUTS_B64}}", base64.StdEncoding.EncodeToString(encoded),
		"{{FUNC_NAME}}", pyStringLiteral(funcName),
		"{{CALL}}", call,
		"{{RESULT_MARKER}}", pyStringLiteral(resultMarker(nonce)),
		"{{ERROR_MARKER}}", pyStringLiteral(errorMarker(nonce)),
		"{{END_MARKER}}", pyStringLiteral(endMarker(nonce)),
	)

	return Harness{
		Mode:   ModeFunction,
		Source: r.Replace(functionTemplate),
		Nonce:  nonce,
	}, nil
}

func harnessImports(async bool) string {
	imports := []string{
		"import base64 as _sbx_base64",
		"import json as _sbx_json",
		"import sys as _sbx_sys",
		"import traceback as _sbx_traceback",
	}
	if async {
		imports = append(imports, "import asyncio as _sbx_asyncio")
	}
	return strings.Join(imports, "\n")
}

// splitFutureImports moves the leading "from __future__ import" statements of
// code in front of the harness imports, where the compiler requires them. The
// lifted lines are left blank in body so the remaining lines keep their
// relative positions. Scanning stops at the first other statement.
func splitFutureImports(code string) (future, body string) {
	lines := strings.Split(code, "\n")

	var lifted []string
	inParens := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case inParens:
			inParens = !strings.Contains(trimmed, ")")
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			continue
		case strings.HasPrefix(trimmed, "from __future__ import"):
			inParens = strings.Contains(trimmed, "(") && !strings.Contains(trimmed, ")")
		default:
			if len(lifted) == 0 {
				return "", code
			}
			return strings.Join(lifted, "\n") + "\n", strings.Join(lines, "\n")
		}
		lifted = append(lifted, line)
		lines[i] = ""
	}

	if len(lifted) == 0 {
		return "", code
	}
	return strings.Join(lifted, "\n") + "\n", strings.Join(lines, "\n")
}

// pyStringLiteral quotes s as a Python string literal. JSON string syntax is a
// subset of Python's for the escapes the encoder emits.
func pyStringLiteral(s string) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}

// The template is substituted once; user code is inserted verbatim at module
// level so its definitions land in globals().
const functionTemplate = `{{FUTURE}}{{IMPORTS}}

{{USER_CODE}}


def _sbx_emit(_sbx_marker, _sbx_payload):
    _sbx_sys.stdout.flush()
    _sbx_sys.stdout.write(_sbx_marker + _sbx_payload + {{END_MARKER}})
    _sbx_sys.stdout.flush()


def _sbx_fail(_sbx_kind, _sbx_message):
    _sbx_emit({{ERROR_MARKER}}, _sbx_json.dumps({"kind": _sbx_kind, "message": _sbx_message}))


def _sbx_main():
    try:
        _sbx_inputs = _sbx_json.loads(_sbx_base64.b64decode("{{INPUTS_B64}}").decode("utf-8"))
        _sbx_fn = globals().get({{FUNC_NAME}})
        if _sbx_fn is None or not callable(_sbx_fn):
            raise NameError("function %r is not defined" % ({{FUNC_NAME}},))
        _sbx_value = {{CALL}}
    except BaseException as _sbx_exc:
        if isinstance(_sbx_exc, SystemExit):
            raise
        _sbx_traceback.print_exc()
        _sbx_fail("UserExecutionError", "%s: %s" % (type(_sbx_exc).__name__, _sbx_exc))
        return

    try:
        _sbx_payload = _sbx_json.dumps(_sbx_value, allow_nan=False)
    except (TypeError, ValueError, RecursionError) as _sbx_exc:
        _sbx_message = "function result is not JSON serializable: %s" % (_sbx_exc,)
        print(_sbx_message, file=_sbx_sys.stderr)
        _sbx_fail("SerializationError", _sbx_message)
        return

    _sbx_emit({{RESULT_MARKER}}, _sbx_payload)


if __name__ == "__main__":
    _sbx_main()
`
