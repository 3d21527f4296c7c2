package commandstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/edgeops/edge-agent/pkg/channels/gochannel"
	"github.com/edgeops/edge-agent/pkg/persistence"
)

const (
	busTopic      = "edge.retained"
	topicMetadata = "topic"
)

// Memory is a retained-message store for a single process. Retained values live in a
// map (optionally mirrored to a persistence backend) and updates fan out to
// subscribers over a Watermill GoChannel.
type Memory struct {
	logger      *slog.Logger
	publisher   message.Publisher
	subscriber  message.Subscriber
	persistence persistence.Persistence

	mu       sync.Mutex
	retained map[string][]byte
	closed   bool
}

type MemoryOption func(*Memory)

// WithPersistence mirrors every retained value to p and restores from it on start.
func WithPersistence(p persistence.Persistence) MemoryOption {
	return func(m *Memory) {
		m.persistence = p
	}
}

func NewMemory(ctx context.Context, logger *slog.Logger, opts ...MemoryOption) (*Memory, error) {
	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory channel: %w", err)
	}

	m := &Memory{
		logger:     logger.With("module", "memory_store"),
		publisher:  pub,
		subscriber: sub,
		retained:   make(map[string][]byte),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.persistence != nil {
		records, err := m.persistence.LoadAll(ctx)
		if err != nil {
			_ = pub.Close()

			return nil, fmt.Errorf("failed to restore retained messages: %w", err)
		}

		for topic, payload := range records {
			m.retained[topic] = payload
		}
		m.logger.InfoContext(ctx, "Restored retained messages", "count", len(records))
	}

	return m, nil
}

func (m *Memory) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	err := ValidatePattern(pattern)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	sub, subCtx := NewFeed(ctx)

	live, err := m.subscriber.Subscribe(subCtx, busTopic)
	if err != nil {
		_ = sub.Close()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", busTopic, err)
	}

	// Live delivery starts before the snapshot is taken; a value published in between
	// is seen twice, never missed.
	go func() {
		defer sub.Finish()

		for msg := range live {
			topic := msg.Metadata.Get(topicMetadata)
			payload := slices.Clone(msg.Payload)
			msg.Ack()

			if Match(pattern, topic) {
				sub.Push(Message{Topic: topic, Payload: payload})
			}
		}
	}()

	m.mu.Lock()
	topics := make([]string, 0, len(m.retained))
	for topic := range m.retained {
		if Match(pattern, topic) {
			topics = append(topics, topic)
		}
	}

	slices.Sort(topics)

	for _, topic := range topics {
		sub.Push(Message{Topic: topic, Payload: slices.Clone(m.retained[topic])})
	}
	m.mu.Unlock()

	sub.MarkSynced()

	return sub, nil
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if len(payload) == 0 {
		delete(m.retained, topic)
	} else {
		m.retained[topic] = slices.Clone(payload)
	}

	if m.persistence != nil {
		var err error
		if len(payload) == 0 {
			err = m.persistence.Delete(ctx, topic)
		} else {
			err = m.persistence.Save(ctx, topic, payload)
		}

		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to persist retained message", "topic", topic, "error", err)
		}
	}

	msg := message.NewMessage(watermill.NewULID(), slices.Clone(payload))
	msg.Metadata.Set(topicMetadata, topic)

	return m.publisher.Publish(busTopic, msg)
}

func (m *Memory) Clear(ctx context.Context, topic string) error {
	return m.Publish(ctx, topic, nil)
}

// Retained returns the current retained value of topic.
func (m *Memory) Retained(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, ok := m.retained[topic]

	return slices.Clone(payload), ok
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.publisher.Close()

	if m.persistence != nil {
		err = errors.Join(err, m.persistence.Close(context.Background()))
	}

	return err
}
