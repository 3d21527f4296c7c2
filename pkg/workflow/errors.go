package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperation indicates no definition is registered for an operation type.
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrVersionMismatch indicates a versioned command for which no definition, not even
	// a fallback, exists.
	ErrVersionMismatch = errors.New("workflow version mismatch")

	// ErrInvalidDefinition indicates a workflow definition rejected at load time.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrInvalidTransition indicates a status that is not reachable from the current state.
	ErrInvalidTransition = errors.New("invalid transition")
)

// DefinitionError wraps load-time errors of one definition file.
type DefinitionError struct {
	Operation string // Operation type, empty when the file could not be parsed
	File      string
	Err       error
}

func (e *DefinitionError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("workflow %s: %v", e.File, e.Err)
	}

	return fmt.Sprintf("workflow %s (%s): %v", e.Operation, e.File, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Is makes every DefinitionError match ErrInvalidDefinition.
func (e *DefinitionError) Is(target error) bool {
	return target == ErrInvalidDefinition || errors.Is(e.Err, target)
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	Operation string
	From      string
	To        string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %q is not reachable from %q", e.Operation, e.To, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func IsUnknownOperation(err error) bool {
	return errors.Is(err, ErrUnknownOperation)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
