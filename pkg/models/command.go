package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"time"
)

// Well-known command statuses. Operation-specific workflows add their own.
const (
	StatusInit       = "init"
	StatusScheduled  = "scheduled"
	StatusExecuting  = "executing"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

// Reserved payload fields.
const (
	FieldStatus       = "status"
	FieldReason       = "reason"
	FieldVersion      = "@version"
	FieldCreatedAt    = "@createdAt"
	FieldParent       = "@parent"
	FieldDepth        = "@depth"
	FieldOperations   = "operations"
	FieldCurrentIndex = "currentIndex"
)

var (
	// ErrMalformedPayload indicates a command payload that is not a JSON object with a status.
	ErrMalformedPayload = errors.New("malformed payload")
)

// IsTerminal reports whether no automatic transition may follow status.
func IsTerminal(status string) bool {
	return status == StatusSuccessful || status == StatusFailed
}

// Command is one operation instance. Its durable form is the retained JSON payload
// published on Topic; nothing else is persisted.
type Command struct {
	Topic   Topic
	Payload map[string]any
}

// ParseCommand decodes a retained payload. The payload must be a JSON object with a
// non-empty string status.
func ParseCommand(topic Topic, payload []byte) (*Command, error) {
	var fields map[string]any

	err := json.Unmarshal(payload, &fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedPayload)
	}

	status, _ := fields[FieldStatus].(string)
	if status == "" {
		return nil, fmt.Errorf("%w: missing status", ErrMalformedPayload)
	}

	return &Command{Topic: topic, Payload: fields}, nil
}

func NewCommand(topic Topic, fields map[string]any) *Command {
	payload := make(map[string]any, len(fields)+1)
	maps.Copy(payload, fields)

	if _, ok := payload[FieldStatus]; !ok {
		payload[FieldStatus] = StatusInit
	}

	return &Command{Topic: topic, Payload: payload}
}

func (c *Command) Status() string {
	status, _ := c.Payload[FieldStatus].(string)

	return status
}

func (c *Command) SetStatus(status string) {
	c.Payload[FieldStatus] = status
}

func (c *Command) Reason() string {
	reason, _ := c.Payload[FieldReason].(string)

	return reason
}

// Fail moves the command to the failed state with a human readable reason.
func (c *Command) Fail(reason string) {
	c.Payload[FieldStatus] = StatusFailed
	c.Payload[FieldReason] = reason
}

func (c *Command) Version() string {
	version, _ := c.Payload[FieldVersion].(string)

	return version
}

func (c *Command) SetVersion(version string) {
	c.Payload[FieldVersion] = version
}

func (c *Command) CreatedAt() time.Time {
	raw, _ := c.Payload[FieldCreatedAt].(string)

	created, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}

	return created
}

func (c *Command) SetCreatedAt(at time.Time) {
	c.Payload[FieldCreatedAt] = at.UTC().Format(time.RFC3339Nano)
}

// Parent returns the composite command that spawned this one.
func (c *Command) Parent() (Topic, bool) {
	raw, _ := c.Payload[FieldParent].(string)
	if raw == "" {
		return Topic{}, false
	}

	parent, err := ParseTopic(raw)
	if err != nil {
		return Topic{}, false
	}

	return parent, true
}

// Depth is the composite nesting level of the command; zero for top-level commands.
func (c *Command) Depth() int {
	return intField(c.Payload, FieldDepth)
}

func (c *Command) CurrentIndex() int {
	return intField(c.Payload, FieldCurrentIndex)
}

func (c *Command) SetCurrentIndex(index int) {
	c.Payload[FieldCurrentIndex] = index
}

// Merge copies fields into the payload, overwriting existing keys.
func (c *Command) Merge(fields map[string]any) {
	maps.Copy(c.Payload, fields)
}

// Clone returns a deep copy so a pending action can never observe later mutations.
func (c *Command) Clone() *Command {
	return &Command{Topic: c.Topic, Payload: deepCopy(c.Payload)}
}

// Marshal returns the canonical (sorted keys, compact) JSON encoding of the payload.
func (c *Command) Marshal() ([]byte, error) {
	return json.Marshal(c.Payload)
}

// Canonical re-encodes a raw JSON payload so payloads that differ only in key order or
// whitespace compare equal. Invalid JSON is returned compacted as far as possible.
func Canonical(payload []byte) []byte {
	var v any

	err := json.Unmarshal(payload, &v)
	if err != nil {
		return bytes.TrimSpace(payload)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return bytes.TrimSpace(payload)
	}

	return out
}

func intField(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		switch {
		case v >= math.MaxInt:
			return math.MaxInt
		case v <= math.MinInt:
			return math.MinInt
		}

		return int(v)
	case int:
		return v
	case json.Number:
		i, _ := v.Int64()

		return int(i)
	default:
		return 0
	}
}

func deepCopy(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}

	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = deepCopyValue(item)
		}

		return list
	default:
		return val
	}
}
