package workflow

import "strings"

type ActionKind string

const (
	ActionProceed   ActionKind = "proceed"
	ActionBuiltin   ActionKind = "builtin"
	ActionScript    ActionKind = "script"
	ActionAwait     ActionKind = "await"
	ActionComposite ActionKind = "composite"
	ActionTerminal  ActionKind = "terminal"
)

// Action is what the engine does on entering a state. The set of implementations is
// closed; it is resolved once when a definition is loaded.
type Action interface {
	Kind() ActionKind
	action()
}

// Proceed moves straight to the success target.
type Proceed struct{}

// Builtin runs a function compiled into the agent.
type Builtin struct {
	Name string
}

// Script runs an external program. Args may reference command fields with ${...}.
type Script struct {
	Command string
	Args    []string
}

// Await does nothing and waits for another actor to publish the next status.
type Await struct{}

// Composite runs the command's embedded sub-operations in order.
type Composite struct{}

// Terminal marks successful and failed.
type Terminal struct{}

func (Proceed) Kind() ActionKind   { return ActionProceed }
func (Builtin) Kind() ActionKind   { return ActionBuiltin }
func (Script) Kind() ActionKind    { return ActionScript }
func (Await) Kind() ActionKind     { return ActionAwait }
func (Composite) Kind() ActionKind { return ActionComposite }
func (Terminal) Kind() ActionKind  { return ActionTerminal }

func (Proceed) action()   {}
func (Builtin) action()   {}
func (Script) action()    {}
func (Await) action()     {}
func (Composite) action() {}
func (Terminal) action()  {}

func (s Script) String() string {
	return strings.Join(append([]string{s.Command}, s.Args...), " ")
}
