package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/edgeops/edge-agent/pkg/cmd"
	"github.com/edgeops/edge-agent/pkg/config"
	"github.com/edgeops/edge-agent/pkg/log"
	"github.com/edgeops/edge-agent/pkg/otelhelper"
	"github.com/edgeops/edge-agent/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

var ErrInvalidWorkflows = errors.New("invalid workflow files found")

func newValidateCommand(a *agent) *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Check the workflow files and list the operations they define",
		Action: func(ctx context.Context, command *cli.Command) error {
			return validateWorkflows(ctx, command.Root().Writer, a.cfg)
		},
	}
}

func validateWorkflows(ctx context.Context, w io.Writer, cfg *config.Config) error {
	logger := log.FromContext(ctx).With("action", "validate")

	builtins := cmd.NewRunner(logger, cfg, otelhelper.NoopTracer()).Builtins()
	registry := workflow.NewRegistry(logger, workflow.NewParser(builtins...))

	err := registry.LoadBuiltin()
	if err != nil {
		return err
	}

	loadErr := registry.LoadDir(cfg.WorkflowDir)

	for _, op := range registry.Operations() {
		def, ok := registry.Current(op)
		if !ok {
			continue
		}

		_, _ = fmt.Fprintf(w, "%-20s %-24s %s\n", def.Operation, def.Version, def.Source)
	}

	if loadErr != nil {
		var defErr *workflow.DefinitionError

		for _, err := range unjoin(loadErr) {
			if errors.As(err, &defErr) {
				_, _ = fmt.Fprintf(w, "invalid: %s: %v\n", defErr.File, defErr.Err)
			} else {
				_, _ = fmt.Fprintf(w, "invalid: %v\n", err)
			}
		}

		return ErrInvalidWorkflows
	}

	return nil
}

func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}

	return []error{err}
}
