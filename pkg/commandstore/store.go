// Package commandstore defines the retained-message contract the workflow engine is
// driven by, with in-memory and Redis implementations.
package commandstore

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var (
	ErrClosed         = errors.New("command store closed")
	ErrInvalidPattern = errors.New("invalid topic pattern")
	ErrDisconnected   = errors.New("command store disconnected")
)

// Message is the latest retained value of a topic. An empty payload means the topic
// has been cleared.
type Message struct {
	Topic   string
	Payload []byte
}

func (m Message) Cleared() bool {
	return len(m.Payload) == 0
}

// Subscription delivers every retained message matching its pattern once, closes
// Synced, then delivers live updates in publish order. Messages is closed when the
// transport disconnects or the subscription is closed.
type Subscription interface {
	Messages() <-chan Message
	Synced() <-chan struct{}
	Close() error
}

// Store is a durable latest-value-wins pub/sub space.
type Store interface {
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	Clear(ctx context.Context, topic string) error
	Close() error
}

// Snapshot returns the retained messages matching pattern, ordered by topic.
func Snapshot(ctx context.Context, store Store, pattern string) ([]Message, error) {
	sub, err := store.Subscribe(ctx, pattern)
	if err != nil {
		return nil, err
	}

	defer func() { _ = sub.Close() }()

	latest := make(map[string][]byte)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil, ErrDisconnected
			}

			if msg.Cleared() {
				delete(latest, msg.Topic)
			} else {
				latest[msg.Topic] = msg.Payload
			}
		case <-sub.Synced():
			out := make([]Message, 0, len(latest))
			for topic, payload := range latest {
				out = append(out, Message{Topic: topic, Payload: payload})
			}

			slices.SortFunc(out, func(a, b Message) int {
				return strings.Compare(a.Topic, b.Topic)
			})

			return out, nil
		}
	}
}
