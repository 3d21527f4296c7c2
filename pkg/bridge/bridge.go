// Package bridge mirrors the command store onto a Watermill message bus so a remote
// controller can follow and drive commands without direct access to the store.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/edgeops/edge-agent/pkg/commandstore"
	"github.com/edgeops/edge-agent/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultOutTopic = "edge.commands.out"
	DefaultInTopic  = "edge.commands.in"

	// CommandTopicMetadata carries the command topic of a bridged message. An empty
	// payload is a clear.
	CommandTopicMetadata = "command_topic"
)

type Config struct {
	// Pattern selects the store topics forwarded to OutTopic.
	Pattern  string
	OutTopic string
	InTopic  string

	MaxReconnectInterval time.Duration
}

type Bridge struct {
	logger     *slog.Logger
	store      commandstore.Store
	publisher  message.Publisher
	subscriber message.Subscriber
	config     Config
}

// New creates a bridge. A nil subscriber makes it forward-only.
func New(logger *slog.Logger, store commandstore.Store, pub message.Publisher, sub message.Subscriber, config Config) *Bridge {
	if config.Pattern == "" {
		config.Pattern = "#"
	}

	if config.OutTopic == "" {
		config.OutTopic = DefaultOutTopic
	}

	if config.InTopic == "" {
		config.InTopic = DefaultInTopic
	}

	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = 30 * time.Second
	}

	return &Bridge{
		logger:     logger.With("module", "bridge"),
		store:      store,
		publisher:  pub,
		subscriber: sub,
		config:     config,
	}
}

// Run bridges both directions until ctx is cancelled or the store is closed.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.forward(gctx) })

	if b.subscriber != nil {
		g.Go(func() error { return b.consume(gctx) })
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}

	return err
}

func (b *Bridge) forward(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = b.config.MaxReconnectInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		err := b.forwardSession(ctx)

		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, commandstore.ErrClosed):
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, delay time.Duration) {
		b.logger.WarnContext(ctx, "Forwarding interrupted, reconnecting", "error", err, "retry_in", delay)
	}

	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
}

func (b *Bridge) forwardSession(ctx context.Context) error {
	sub, err := b.store.Subscribe(ctx, b.config.Pattern)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.config.Pattern, err)
	}

	defer func() { _ = sub.Close() }()

	b.logger.InfoContext(ctx, "Forwarding commands", "pattern", b.config.Pattern, "topic", b.config.OutTopic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return commandstore.ErrDisconnected
			}

			out := message.NewMessage(watermill.NewULID(), slices.Clone(msg.Payload))
			out.Metadata.Set(CommandTopicMetadata, msg.Topic)

			err := b.publisher.Publish(b.config.OutTopic, out)
			if err != nil {
				return fmt.Errorf("failed to forward %s: %w", msg.Topic, err)
			}
		}
	}
}

func (b *Bridge) consume(ctx context.Context) error {
	messages, err := b.subscriber.Subscribe(ctx, b.config.InTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.config.InTopic, err)
	}

	b.logger.InfoContext(ctx, "Consuming commands", "topic", b.config.InTopic)

	for msg := range messages {
		err := b.apply(ctx, msg)
		if errors.Is(err, commandstore.ErrClosed) {
			msg.Nack()

			return err
		}

		if err != nil {
			b.logger.ErrorContext(ctx, "Failed to apply bridged command", "uuid", msg.UUID, "error", err)
			msg.Nack()

			continue
		}

		msg.Ack()
	}

	return nil
}

// apply writes an inbound message into the store. Messages without a valid command
// topic are dropped.
func (b *Bridge) apply(ctx context.Context, msg *message.Message) error {
	raw := msg.Metadata.Get(CommandTopicMetadata)

	topic, err := models.ParseTopic(raw)
	if err != nil || topic.IsCapability() {
		b.logger.WarnContext(ctx, "Dropping bridged message without a command topic", "uuid", msg.UUID, "topic", raw)

		return nil
	}

	if len(msg.Payload) == 0 {
		return b.store.Clear(ctx, raw)
	}

	return b.store.Publish(ctx, raw, msg.Payload)
}
