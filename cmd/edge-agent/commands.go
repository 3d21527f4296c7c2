package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edgeops/edge-agent/pkg/cmd"
	"github.com/edgeops/edge-agent/pkg/log"
	"github.com/edgeops/edge-agent/pkg/models"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

var ErrMissingOperation = errors.New("operation is required")

func newPublishCommand(a *agent) *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Issue a command by writing its init payload to the store",
		ArgsUsage: "<operation> [payload JSON]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "id",
				Usage: "Command ID (auto-generated if not provided)",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			op := command.Args().Get(0)
			if op == "" {
				return ErrMissingOperation
			}

			fields := map[string]any{}

			if raw := command.Args().Get(1); raw != "" {
				err := json.Unmarshal([]byte(raw), &fields)
				if err != nil {
					return fmt.Errorf("%w: %w", models.ErrMalformedPayload, err)
				}
			}

			id := command.String("id")
			if id == "" {
				id = uuid.NewString()
			}

			topic := models.CommandTopic(a.cfg.Entities[0], op, id)

			issued := models.NewCommand(topic, fields)
			issued.SetStatus(models.StatusInit)

			payload, err := issued.Marshal()
			if err != nil {
				return err
			}

			err = a.withStore(ctx, func(ctx context.Context, store storeWriter) error {
				return store.Publish(ctx, topic.String(), payload)
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(command.Root().Writer, topic.String())

			return nil
		},
	}
}

func newClearCommand(a *agent) *cli.Command {
	return &cli.Command{
		Name:      "clear",
		Usage:     "Remove a command, cancelling whatever it is running",
		ArgsUsage: "<operation> <id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			op, id := command.Args().Get(0), command.Args().Get(1)
			if op == "" || id == "" {
				return fmt.Errorf("%w, as well as the command id", ErrMissingOperation)
			}

			topic := models.CommandTopic(a.cfg.Entities[0], op, id).String()

			return a.withStore(ctx, func(ctx context.Context, store storeWriter) error {
				return store.Clear(ctx, topic)
			})
		},
	}
}

type storeWriter interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Clear(ctx context.Context, topic string) error
}

func (a *agent) withStore(ctx context.Context, fn func(context.Context, storeWriter) error) error {
	logger := log.FromContext(ctx)

	store, err := cmd.NewStore(ctx, logger, a.cfg.StoreURL)
	if err != nil {
		return err
	}

	err = fn(ctx, store)

	return errors.Join(err, store.Close())
}
