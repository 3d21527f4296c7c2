package runner

import (
	"errors"
	"fmt"
)

var (
	ErrScriptExecution = errors.New("script execution failed")
	ErrTimeout         = errors.New("step timed out")
	ErrUnknownBuiltin  = errors.New("unknown builtin action")
)

// ScriptError describes a failed script attempt.
type ScriptError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ScriptError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}

	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

func (e *ScriptError) Is(target error) bool {
	return target == ErrScriptExecution
}
