package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/edgeops/edge-agent/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// Definition is the state machine of one operation type at one version.
type Definition struct {
	Operation string
	Version   string
	States    map[string]*State

	// Source is the file the definition was read from, "builtin" for embedded ones.
	Source string

	schema *gojsonschema.Schema
}

// State is a named workflow step.
type State struct {
	Name       string
	Action     Action
	OnSuccess  string
	OnFailure  string
	OnTimeout  string
	Next       []string
	Timeout    time.Duration
	MaxRetries int
}

var terminal = map[string]*State{
	models.StatusSuccessful: {Name: models.StatusSuccessful, Action: Terminal{}},
	models.StatusFailed:     {Name: models.StatusFailed, Action: Terminal{}},
}

// State returns the named state. Terminal sentinels exist in every definition.
func (d *Definition) State(name string) (*State, bool) {
	if s, ok := terminal[name]; ok {
		return s, true
	}

	s, ok := d.States[name]

	return s, ok
}

// Targets returns the states reachable in one step, without duplicates.
func (s *State) Targets() []string {
	var out []string

	for _, t := range append([]string{s.OnSuccess, s.OnFailure, s.OnTimeout}, s.Next...) {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}

	return out
}

// TimeoutTarget is where the engine moves when the state's timeout expires.
func (s *State) TimeoutTarget() string {
	if s.OnTimeout != "" {
		return s.OnTimeout
	}

	return s.OnFailure
}

// CheckTransition accepts staying in the same state (a field update) and moving to a
// target of the current state. Anything else is a TransitionError.
func (d *Definition) CheckTransition(from, to string) error {
	if from == to {
		return nil
	}

	if _, ok := d.State(to); !ok {
		return &TransitionError{Operation: d.Operation, From: from, To: to}
	}

	current, ok := d.State(from)
	if !ok || !slices.Contains(current.Targets(), to) {
		return &TransitionError{Operation: d.Operation, From: from, To: to}
	}

	return nil
}

// ValidatePayload checks an init payload against the operation's input schema, if any.
func (d *Definition) ValidatePayload(payload map[string]any) error {
	if d.schema == nil {
		return nil
	}

	result, err := d.schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrMalformedPayload, err)
	}

	if !result.Valid() {
		errs := result.Errors()

		return fmt.Errorf("%w: %s", models.ErrMalformedPayload, errs[0].String())
	}

	return nil
}

// HasSchema reports whether init payloads are schema-checked.
func (d *Definition) HasSchema() bool {
	return d.schema != nil
}

func (d *Definition) validateGraph() error {
	if _, ok := d.States[models.StatusInit]; !ok {
		return fmt.Errorf("missing %q state", models.StatusInit)
	}

	names := make([]string, 0, len(d.States))
	for name := range d.States {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		if models.IsTerminal(name) {
			return fmt.Errorf("state %q is a terminal sentinel and cannot be redefined", name)
		}

		s := d.States[name]

		switch s.Action.(type) {
		case Await:
		default:
			if s.OnSuccess == "" {
				return fmt.Errorf("state %q: %s action requires on_success", name, s.Action.Kind())
			}
		}

		for _, target := range s.Targets() {
			if _, ok := d.State(target); !ok {
				return fmt.Errorf("state %q: unknown target state %q", name, target)
			}
		}
	}

	return nil
}
