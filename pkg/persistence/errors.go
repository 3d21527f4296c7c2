package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTopic indicates an attempt to store a message without a topic.
	ErrEmptyTopic = errors.New("topic cannot be empty")

	// ErrCorruptedRecord indicates a stored record that cannot be mapped back to a topic.
	ErrCorruptedRecord = errors.New("corrupted retained record")
)

// RetainedError wraps retained-message storage errors with the topic involved.
type RetainedError struct {
	Op    string // Operation being performed (e.g., "Save", "Delete", "LoadAll")
	Topic string
	Err   error
}

func (e *RetainedError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s operation failed for topic %s: %v", e.Op, e.Topic, e.Err)
}

func (e *RetainedError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for retained errors.
func (e *RetainedError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRetainedError creates a new retained error with context.
func NewRetainedError(op, topic string, err error) *RetainedError {
	return &RetainedError{
		Op:    op,
		Topic: topic,
		Err:   err,
	}
}
