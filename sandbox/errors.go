package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyPrepared is returned when Prepare is called on a runner twice.
	ErrAlreadyPrepared = errors.New("runner already prepared")
	// ErrNotPrepared is returned when a runner is used before Prepare.
	ErrNotPrepared = errors.New("runner not prepared")
	// ErrSessionClosed is reported when a closed sandbox is asked to execute code.
	ErrSessionClosed = errors.New("sandbox session is closed")
)

// ConfigError reports an invalid session configuration. It is returned by Open
// before any isolation resource is acquired.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid sandbox config: %s: %s", e.Field, e.Reason)
}

// DependencyInstallError reports the first dependency that failed to install.
type DependencyInstallError struct {
	Spec    DependencySpec
	Message string
}

func (e *DependencyInstallError) Error() string {
	return fmt.Sprintf("failed to install dependency %q: %s", e.Spec.Specifier(), e.Message)
}

// ErrorKind classifies why an execution did not produce a usable value.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindLaunch        ErrorKind = "launch"
	ErrorKindExit          ErrorKind = "exit"
	ErrorKindUserExecution ErrorKind = "user_execution"
	ErrorKindSerialization ErrorKind = "serialization"
	ErrorKindHarness       ErrorKind = "harness"
)
