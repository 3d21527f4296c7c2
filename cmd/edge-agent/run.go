package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgeops/edge-agent/pkg/cmd"
	"github.com/edgeops/edge-agent/pkg/commandstore"
	"github.com/edgeops/edge-agent/pkg/log"
	"github.com/edgeops/edge-agent/pkg/otelhelper"
	"github.com/edgeops/edge-agent/pkg/scheduler"
	"github.com/edgeops/edge-agent/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func newRunCommand(a *agent) *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Process commands until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "agent-id",
				Aliases: []string{"id"},
				Usage:   "Agent ID (auto-generated if not provided)",
				Sources: cli.EnvVars("EDGE_AGENT_ID"),
			},
			&cli.StringFlag{
				Name:    "script-dir",
				Usage:   "Directory of operation scripts",
				Sources: cli.EnvVars("EDGE_SCRIPT_DIR"),
			},
			&cli.StringFlag{
				Name:    "api-address",
				Usage:   "Serve the local command API on this address",
				Sources: cli.EnvVars("EDGE_API_ADDRESS"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Mirror commands to these Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP (configured by the OTEL_* variables)",
				Sources: cli.EnvVars("EDGE_TRACING"),
			},
		},
		Action: a.run,
	}
}

func (a *agent) run(ctx context.Context, command *cli.Command) error {
	cfg := a.cfg

	if command.IsSet("agent-id") {
		cfg.AgentID = command.String("agent-id")
	}

	if command.IsSet("script-dir") {
		cfg.ScriptDir = command.String("script-dir")
	}

	if command.IsSet("api-address") {
		cfg.API.Enabled = true
		cfg.API.Address = command.String("api-address")
	}

	if command.IsSet("kafka-brokers") {
		cfg.Bridge.Brokers = command.StringSlice("kafka-brokers")
	}

	err := cfg.Validate()
	if err != nil {
		return err
	}

	if cfg.AgentID == "" {
		cfg.AgentID = "edge-" + uuid.New().String()[:8]
	}

	logger := log.FromContext(ctx).With("agent_id", cfg.AgentID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Starting edge agent", "entities", cfg.Entities, "store", cfg.StoreURL)

	tracer := otelhelper.NoopTracer()
	if command.Bool("tracing") {
		tracer, err = otelhelper.NewTracer(ctx, "edge-agent")
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
	}

	store, err := cmd.NewStore(ctx, logger, cfg.StoreURL)
	if err != nil {
		return err
	}

	defer func() {
		err := store.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close command store", "error", err)
		}
	}()

	exec := cmd.NewRunner(logger, cfg, tracer)

	registry, err := cmd.NewRegistry(ctx, logger, cfg.WorkflowDir, exec.Builtins())
	if err != nil {
		return err
	}

	sched := scheduler.New(logger, store, registry, exec, scheduler.Config{
		Entities:              cfg.Entities,
		Root:                  cfg.Root,
		MaxCompositeDepth:     cfg.MaxCompositeDepth,
		AdvertiseCapabilities: cfg.AdvertiseCapabilities,
	})

	tasks := []func(context.Context) error{sched.Run}

	if cfg.Bridge.Enabled() {
		b, closeBridge, err := cmd.NewBridge(logger, store, cfg.Bridge)
		if err != nil {
			return err
		}

		defer func() {
			err := closeBridge()
			if err != nil {
				logger.ErrorContext(ctx, "Failed to close Kafka bridge", "error", err)
			}
		}()

		tasks = append(tasks, b.Run)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}

	if cfg.API.Enabled {
		app := newAPI(store, registry, sched, cfg.Entities[0])

		g.Go(func() error {
			logger.InfoContext(gctx, "Serving local API", "address", cfg.API.Address)

			return app.Listen(cfg.API.Address, fiber.ListenConfig{DisableStartupMessage: true})
		})

		g.Go(func() error {
			<-gctx.Done()

			return app.Shutdown()
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.InfoContext(ctx, "Edge agent stopped")

	return nil
}

func newAPI(store commandstore.Store, registry web.Definitions, readiness web.Readiness, entity string) *fiber.App {
	handlers := web.NewAPIHandlers(store, registry, readiness, validator.New(validator.WithRequiredStructEnabled()), entity)

	app := fiber.New()
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	handlers.Register(app)

	return app
}
