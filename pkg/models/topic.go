// Package models defines the command and topic models shared by the workflow engine.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// CmdSegment separates the entity topic id from the operation in a command topic.
const CmdSegment = "cmd"

var ErrInvalidTopic = errors.New("invalid command topic")

// Topic addresses a command instance (<entity>/cmd/<operation>/<id>) or, when ID is
// empty, the capability topic of an operation (<entity>/cmd/<operation>).
type Topic struct {
	Entity    string
	Operation string
	ID        string
}

func CommandTopic(entity, operation, id string) Topic {
	return Topic{Entity: entity, Operation: operation, ID: id}
}

func CapabilityTopic(entity, operation string) Topic {
	return Topic{Entity: entity, Operation: operation}
}

// ParseTopic splits a raw topic. The entity topic id may itself contain '/' and empty
// segments, so the command segment is located from the end of the topic.
func ParseTopic(raw string) (Topic, error) {
	parts := strings.Split(raw, "/")
	n := len(parts)

	switch {
	case n >= 4 && parts[n-3] == CmdSegment:
		t := Topic{
			Entity:    strings.Join(parts[:n-3], "/"),
			Operation: parts[n-2],
			ID:        parts[n-1],
		}

		return t, t.validate(raw)
	case n >= 3 && parts[n-2] == CmdSegment:
		t := Topic{
			Entity:    strings.Join(parts[:n-2], "/"),
			Operation: parts[n-1],
		}

		return t, t.validate(raw)
	default:
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, raw)
	}
}

func (t Topic) validate(raw string) error {
	if t.Operation == "" {
		return fmt.Errorf("%w: %q has no operation", ErrInvalidTopic, raw)
	}

	if strings.ContainsAny(t.Operation+t.ID, "+#") {
		return fmt.Errorf("%w: %q contains wildcards", ErrInvalidTopic, raw)
	}

	return nil
}

func (t Topic) String() string {
	if t.ID == "" {
		return t.Entity + "/" + CmdSegment + "/" + t.Operation
	}

	return t.Entity + "/" + CmdSegment + "/" + t.Operation + "/" + t.ID
}

// IsCapability reports whether the topic advertises an operation rather than
// addressing a command instance.
func (t Topic) IsCapability() bool {
	return t.ID == ""
}

// SubCommand returns the topic of the index-th sub-operation of a composite command.
func (t Topic) SubCommand(operation string, index int) Topic {
	return Topic{
		Entity:    t.Entity,
		Operation: operation,
		ID:        fmt.Sprintf("%s-%d", t.ID, index),
	}
}

// CommandPattern is the subscription pattern matching every command of every entity
// below root.
func CommandPattern(root string) string {
	if root == "" {
		return "#"
	}

	return strings.TrimSuffix(root, "/") + "/#"
}
