package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/edgeops/edge-agent/pkg/commandstore"
	"github.com/edgeops/edge-agent/pkg/models"
	"github.com/edgeops/edge-agent/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// Definitions lists the workflows the agent runs.
type Definitions interface {
	Current(op string) (*workflow.Definition, bool)
	Operations() []string
}

// Readiness reports whether the agent is processing commands.
type Readiness interface {
	Ready() bool
}

type APIHandlers struct {
	store     commandstore.Store
	defs      Definitions
	readiness Readiness
	validator *validator.Validate
	entity    string
}

// NewAPIHandlers creates handlers serving commands of entity unless a request names
// another one with the entity query parameter.
func NewAPIHandlers(
	store commandstore.Store,
	defs Definitions,
	readiness Readiness,
	validator *validator.Validate,
	entity string,
) *APIHandlers {
	return &APIHandlers{
		store:     store,
		defs:      defs,
		readiness: readiness,
		validator: validator,
		entity:    entity,
	}
}

// Register mounts the command API on app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)
	app.Get("/operations", h.GetOperations)

	cmds := app.Group("/commands")
	cmds.Get("/", h.GetCommands)
	cmds.Get("/:operation/:id", h.GetCommand)
	cmds.Post("/:operation", h.CreateCommand)
	cmds.Delete("/:operation/:id", h.DeleteCommand)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "unhealthy"
	httpStatus := http.StatusServiceUnavailable

	if h.readiness.Ready() {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":     status,
		"operations": len(h.defs.Operations()),
		"timestamp":  time.Now().UTC(),
	})
}

func (h *APIHandlers) GetOperations(c fiber.Ctx) error {
	ops := h.defs.Operations()
	out := make([]OperationResponse, 0, len(ops))

	for _, op := range ops {
		def, ok := h.defs.Current(op)
		if !ok {
			continue
		}

		states := make([]string, 0, len(def.States))
		for name := range def.States {
			states = append(states, name)
		}

		sortStates(states)

		out = append(out, OperationResponse{
			Operation: def.Operation,
			Version:   def.Version,
			Source:    def.Source,
			States:    states,
			HasSchema: def.HasSchema(),
		})
	}

	return c.JSON(fiber.Map{"operations": out})
}

// GetCommands lists the commands of an entity, optionally filtered by operation and
// status.
func (h *APIHandlers) GetCommands(c fiber.Ctx) error {
	entity := c.Query("entity", h.entity)
	if err := h.validator.Var(entity, "required,excludesall=+#"); err != nil {
		return badRequest(c, "Invalid entity: "+err.Error())
	}

	operation := c.Query("operation")
	if operation == "" {
		operation = "+"
	} else if err := h.validator.Var(operation, "max=64,excludesall=/+#"); err != nil {
		return badRequest(c, "Invalid operation: "+err.Error())
	}

	pattern := entity + "/" + models.CmdSegment + "/" + operation + "/+"

	messages, err := commandstore.Snapshot(c.Context(), h.store, pattern)
	if err != nil {
		return internalError(c, err)
	}

	status := c.Query("status")
	out := make([]CommandResponse, 0, len(messages))

	for _, msg := range messages {
		resp := newCommandResponse(msg)
		if status != "" && resp.Status != status {
			continue
		}

		out = append(out, resp)
	}

	return c.JSON(fiber.Map{
		"commands":    out,
		"total_count": len(out),
	})
}

func (h *APIHandlers) GetCommand(c fiber.Ctx) error {
	ref, err := h.ref(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	msg, found, err := h.lookup(c, ref)
	if err != nil {
		return internalError(c, err)
	}

	if !found {
		return notFound(c, "command_not_found", "command not found")
	}

	return c.JSON(newCommandResponse(msg))
}

// CreateCommand issues a new command in the init state. The workflow picks it up from
// the store; the response is the payload as published.
func (h *APIHandlers) CreateCommand(c fiber.Ctx) error {
	var req CreateCommandRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ref := commandRef{Entity: c.Query("entity", h.entity), Operation: c.Params("operation"), ID: req.ID}
	if err := h.validator.Struct(ref); err != nil {
		return badRequest(c, err.Error())
	}

	if _, ok := h.defs.Current(ref.Operation); !ok {
		return notFound(c, "unknown_operation", "unknown operation type: "+ref.Operation)
	}

	existing, found, err := h.lookup(c, ref)
	if err != nil {
		return internalError(c, err)
	}

	if found {
		if resp := newCommandResponse(existing); !models.IsTerminal(resp.Status) {
			return conflict(c, "command "+ref.ID+" is still "+resp.Status)
		}
	}

	topic := models.CommandTopic(ref.Entity, ref.Operation, ref.ID)

	cmd := models.NewCommand(topic, req.Payload)
	cmd.SetStatus(models.StatusInit)

	payload, err := cmd.Marshal()
	if err != nil {
		return internalError(c, err)
	}

	err = h.store.Publish(c.Context(), topic.String(), payload)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(newCommandResponse(commandstore.Message{Topic: topic.String(), Payload: payload}))
}

// DeleteCommand clears a command, cancelling whatever it is running.
func (h *APIHandlers) DeleteCommand(c fiber.Ctx) error {
	ref, err := h.ref(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	_, found, err := h.lookup(c, ref)
	if err != nil {
		return internalError(c, err)
	}

	if !found {
		return notFound(c, "command_not_found", "command not found")
	}

	err = h.store.Clear(c.Context(), models.CommandTopic(ref.Entity, ref.Operation, ref.ID).String())
	if err != nil {
		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ref(c fiber.Ctx) (commandRef, error) {
	ref := commandRef{
		Entity:    c.Query("entity", h.entity),
		Operation: c.Params("operation"),
		ID:        c.Params("id"),
	}

	err := h.validator.Struct(ref)
	if err == nil && ref.ID == "" {
		err = errors.New("command id is required")
	}

	return ref, err
}

func (h *APIHandlers) lookup(c fiber.Ctx, ref commandRef) (commandstore.Message, bool, error) {
	topic := models.CommandTopic(ref.Entity, ref.Operation, ref.ID).String()

	messages, err := commandstore.Snapshot(c.Context(), h.store, topic)
	if err != nil || len(messages) == 0 {
		return commandstore.Message{}, false, err
	}

	return messages[0], true, nil
}

func newCommandResponse(msg commandstore.Message) CommandResponse {
	resp := CommandResponse{Topic: msg.Topic}

	topic, err := models.ParseTopic(msg.Topic)
	if err == nil {
		resp.Entity, resp.Operation, resp.ID = topic.Entity, topic.Operation, topic.ID
	}

	var payload map[string]any

	err = json.Unmarshal(msg.Payload, &payload)
	if err != nil || payload == nil {
		resp.Error = models.ErrMalformedPayload.Error()

		return resp
	}

	resp.Payload = payload
	resp.Status, _ = payload[models.FieldStatus].(string)

	return resp
}

// sortStates orders init first, then by name.
func sortStates(states []string) {
	slices.SortFunc(states, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case a == models.StatusInit:
			return -1
		case b == models.StatusInit:
			return 1
		}

		return strings.Compare(a, b)
	})
}
