// Package web provides the local HTTP API for inspecting and issuing commands.
package web

// CreateCommandRequest is the body of POST /commands/:operation. A missing ID is
// generated.
type CreateCommandRequest struct {
	ID      string         `json:"id,omitempty" validate:"omitempty,max=128,excludesall=/+#"`
	Payload map[string]any `json:"payload"`
}

// commandRef addresses a command from the path and query of a request.
type commandRef struct {
	Entity    string `validate:"required,excludesall=+#"`
	Operation string `validate:"required,max=64,excludesall=/+#"`
	ID        string `validate:"omitempty,max=128,excludesall=/+#"`
}

// CommandResponse is the retained state of one command.
type CommandResponse struct {
	Topic     string         `json:"topic"`
	Entity    string         `json:"entity"`
	Operation string         `json:"operation"`
	ID        string         `json:"id"`
	Status    string         `json:"status,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`

	// Error is set instead of Payload when the retained value is not a valid command.
	Error string `json:"error,omitempty"`
}

// OperationResponse describes the current workflow of an operation.
type OperationResponse struct {
	Operation string   `json:"operation"`
	Version   string   `json:"version"`
	Source    string   `json:"source"`
	States    []string `json:"states"`
	HasSchema bool     `json:"has_schema"`
}
