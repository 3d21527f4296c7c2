package cmd

import (
	"context"
	"log/slog"

	"github.com/edgeops/edge-agent/pkg/config"
	"github.com/edgeops/edge-agent/pkg/runner"
	"github.com/edgeops/edge-agent/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
)

// NewRunner creates the step runner with the restart builtins wired to the host.
func NewRunner(logger *slog.Logger, cfg *config.Config, tracer trace.Tracer) *runner.Runner {
	return runner.New(logger, runner.Config{
		AgentID:       cfg.AgentID,
		ScriptDir:     cfg.ScriptDir,
		MaxConcurrent: int64(cfg.Concurrency),
		KillDelay:     cfg.KillDelay,
	},
		runner.WithTracer(tracer),
		runner.WithRestart(runner.CommandRebooter{Command: cfg.RebootCommand}, runner.HostBootTime),
	)
}

// NewRegistry loads the builtin workflows, then the files of workflowDir over them.
// Rejected files are logged; their operations keep any builtin definition.
func NewRegistry(ctx context.Context, logger *slog.Logger, workflowDir string, builtins []string) (*workflow.Registry, error) {
	reg := workflow.NewRegistry(logger, workflow.NewParser(builtins...))

	err := reg.LoadBuiltin()
	if err != nil {
		return nil, err
	}

	err = reg.LoadDir(workflowDir)
	if err != nil {
		logger.WarnContext(ctx, "Some workflow files were rejected", "dir", workflowDir, "error", err)
	}

	logger.InfoContext(ctx, "Workflows loaded", "operations", reg.Operations())

	return reg, nil
}
