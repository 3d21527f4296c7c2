// Package main provides the edge agent: it runs operation workflows for the commands
// retained in the command store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/edgeops/edge-agent/pkg/config"
	"github.com/edgeops/edge-agent/pkg/log"
	cli "github.com/urfave/cli/v3"
)

type agent struct {
	cfg *config.Config
}

func main() {
	a := &agent{}

	cmd := &cli.Command{
		Name:                  "edge-agent",
		EnableShellCompletion: true,
		Usage:                 "Run device operations as retained-command workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML or TOML configuration file",
				Sources: cli.EnvVars("EDGE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "store-url",
				Usage:   "Command store (memory://, file://<dir>, redis://<addr>/<db>)",
				Sources: cli.EnvVars("EDGE_STORE_URL"),
			},
			&cli.StringSliceFlag{
				Name:    "entity",
				Usage:   "Entity topic id served by the agent, repeatable; the first one is the device",
				Sources: cli.EnvVars("EDGE_ENTITIES"),
			},
			&cli.StringFlag{
				Name:    "workflow-dir",
				Usage:   "Directory of operation workflow files (*.toml)",
				Sources: cli.EnvVars("EDGE_WORKFLOW_DIR"),
			},
		},
		Before: a.before,
		Commands: []*cli.Command{
			newRunCommand(a),
			newValidateCommand(a),
			newPublishCommand(a),
			newClearCommand(a),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		slog.Error("edge-agent failed", "error", err)
		os.Exit(1)
	}
}

// before merges the configuration file with the flags that were set explicitly and
// installs the logger.
func (a *agent) before(ctx context.Context, command *cli.Command) (context.Context, error) {
	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return ctx, err
	}

	if command.IsSet("log-level") || command.String("config") == "" {
		cfg.LogLevel = command.String("log-level")
	}

	if command.IsSet("log-format") || command.String("config") == "" {
		cfg.LogFormat = command.String("log-format")
	}

	if command.IsSet("store-url") {
		cfg.StoreURL = command.String("store-url")
	}

	if command.IsSet("entity") {
		cfg.Entities = command.StringSlice("entity")
	}

	if command.IsSet("workflow-dir") {
		cfg.WorkflowDir = command.String("workflow-dir")
	}

	err = cfg.Validate()
	if err != nil {
		return ctx, fmt.Errorf("configuration: %w", err)
	}

	log.Setup(cfg.LogLevel, cfg.LogFormat)
	a.cfg = cfg

	return log.WithLogger(ctx, log.WithModule("edge-agent")), nil
}
