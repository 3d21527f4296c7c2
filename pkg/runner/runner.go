// Package runner executes the action of a workflow state for one command.
package runner

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/edgeops/edge-agent/pkg/models"
	"github.com/edgeops/edge-agent/pkg/otelhelper"
	"github.com/edgeops/edge-agent/pkg/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

type OutcomeKind int

const (
	Success OutcomeKind = iota
	Failure
	// Pending means the step finished without deciding the next state.
	Pending
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "pending"
	}
}

// Outcome is the result of running one state's action.
type Outcome struct {
	Kind OutcomeKind

	// Status overrides the state's success target when set.
	Status string

	// Fields are merged into the command payload.
	Fields map[string]any

	Reason   string
	Err      error
	Timeout  bool
	Attempts int
}

func Succeed(fields map[string]any) Outcome {
	return Outcome{Kind: Success, Fields: fields}
}

func Fail(err error) Outcome {
	return Outcome{Kind: Failure, Reason: err.Error(), Err: err}
}

func Wait() Outcome {
	return Outcome{Kind: Pending}
}

// BuiltinFunc is an action compiled into the agent.
type BuiltinFunc func(ctx context.Context, cmd *models.Command) Outcome

type Config struct {
	// AgentID tags the spans of the steps run by this agent.
	AgentID string

	// ScriptDir is exposed to scripts as ${.script_dir}.
	ScriptDir string

	// MaxConcurrent bounds the number of scripts running at once.
	MaxConcurrent int64

	// KillDelay is how long a script may take to exit after SIGTERM.
	KillDelay time.Duration

	// RetryInterval is the first delay between script attempts.
	RetryInterval time.Duration
}

type Runner struct {
	logger   *slog.Logger
	config   Config
	tracer   trace.Tracer
	builtins map[string]BuiltinFunc
	sem      *semaphore.Weighted
}

type Option func(*Runner)

func WithBuiltin(name string, fn BuiltinFunc) Option {
	return func(r *Runner) {
		r.builtins[name] = fn
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

// WithRestart registers the two phases of the restart operation.
func WithRestart(rebooter Rebooter, clock BootClock) Option {
	return func(r *Runner) {
		r.builtins[BuiltinPrepareRestart] = PrepareRestart(time.Now)
		r.builtins[BuiltinRestart] = Restart(rebooter, clock)
	}
}

func New(logger *slog.Logger, config Config, opts ...Option) *Runner {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.KillDelay <= 0 {
		config.KillDelay = 5 * time.Second
	}

	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}

	r := &Runner{
		logger:   logger.With("module", "runner"),
		config:   config,
		tracer:   otelhelper.NoopTracer(),
		builtins: make(map[string]BuiltinFunc),
		sem:      semaphore.NewWeighted(config.MaxConcurrent),
	}

	r.builtins[BuiltinProceed] = func(context.Context, *models.Command) Outcome { return Succeed(nil) }
	r.builtins[BuiltinLog] = r.logCommand

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Builtins lists the registered builtin names.
func (r *Runner) Builtins() []string {
	return slices.Sorted(maps.Keys(r.builtins))
}

// Run executes the action of state for cmd. Await and composite states are driven by
// the caller and report Pending.
func (r *Runner) Run(ctx context.Context, cmd *models.Command, state *workflow.State) Outcome {
	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "runner.run",
		attribute.String(otelhelper.AgentIDKey, r.config.AgentID),
		attribute.String(otelhelper.EntityKey, cmd.Topic.Entity),
		attribute.String(otelhelper.CommandTopicKey, cmd.Topic.String()),
		attribute.String(otelhelper.CommandIDKey, cmd.Topic.ID),
		attribute.String(otelhelper.OperationKey, cmd.Topic.Operation),
		attribute.String(otelhelper.WorkflowVersionKey, cmd.Version()),
		attribute.String(otelhelper.StateKey, state.Name),
		attribute.String(otelhelper.ActionKindKey, string(state.Action.Kind())),
	)
	defer span.End()

	var out Outcome

	switch action := state.Action.(type) {
	case workflow.Proceed:
		out = Succeed(nil)
	case workflow.Builtin:
		out = r.runBuiltin(ctx, action, cmd)
	case workflow.Script:
		out = r.runScript(ctx, action, cmd, state)
	default:
		out = Wait()
	}

	span.SetAttributes(attribute.Int(otelhelper.AttemptKey, out.Attempts))

	if out.Kind == Failure && out.Err != nil {
		otelhelper.SetError(span, out.Err, attribute.String(otelhelper.StateKey, state.Name))
	}

	return out
}

func (r *Runner) runBuiltin(ctx context.Context, action workflow.Builtin, cmd *models.Command) Outcome {
	fn, ok := r.builtins[action.Name]
	if !ok {
		return Fail(&unknownBuiltinError{name: action.Name})
	}

	out := fn(ctx, cmd)
	out.Attempts = 1

	return out
}

func (r *Runner) logCommand(_ context.Context, cmd *models.Command) Outcome {
	r.logger.Info("Command", "topic", cmd.Topic.String(), "status", cmd.Status(), "payload", cmd.Payload)

	return Succeed(nil)
}

type unknownBuiltinError struct {
	name string
}

func (e *unknownBuiltinError) Error() string {
	return ErrUnknownBuiltin.Error() + ": " + e.name
}

func (e *unknownBuiltinError) Unwrap() error {
	return ErrUnknownBuiltin
}
