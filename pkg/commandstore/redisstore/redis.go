// Package redisstore implements the command store on Redis: retained values are plain
// keys and updates are announced on pub/sub channels named after the topic.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/edgeops/edge-agent/pkg/commandstore"
	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix     = "edge:retained:"
	DefaultChannelPrefix = "edge:topic:"

	scanCount = 200
)

type Config struct {
	Addr          string
	Password      string
	DB            int
	KeyPrefix     string
	ChannelPrefix string
}

type Store struct {
	client        redis.UniversalClient
	logger        *slog.Logger
	keyPrefix     string
	channelPrefix string
}

func New(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	return NewWithClient(client, config, logger), nil
}

func NewWithClient(client redis.UniversalClient, config Config, logger *slog.Logger) *Store {
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	channelPrefix := config.ChannelPrefix
	if channelPrefix == "" {
		channelPrefix = DefaultChannelPrefix
	}

	return &Store{
		client:        client,
		logger:        logger.With("module", "redis_store"),
		keyPrefix:     keyPrefix,
		channelPrefix: channelPrefix,
	}
}

// Publish stores the retained value and announces it in one transaction, so
// subscribers observe updates of a topic in the order they were stored.
func (s *Store) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(payload) == 0 {
			pipe.Del(ctx, s.keyPrefix+topic)
		} else {
			pipe.Set(ctx, s.keyPrefix+topic, payload, 0)
		}

		pipe.Publish(ctx, s.channelPrefix+topic, payload)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}

	return nil
}

func (s *Store) Clear(ctx context.Context, topic string) error {
	return s.Publish(ctx, topic, nil)
}

// Subscribe pattern-subscribes first and snapshots the retained keys second. When the
// underlying connection is re-established the subscription finishes, so the consumer
// resubscribes and re-reads the retained state instead of silently missing updates.
func (s *Store) Subscribe(ctx context.Context, pattern string) (commandstore.Subscription, error) {
	err := commandstore.ValidatePattern(pattern)
	if err != nil {
		return nil, err
	}

	sub, subCtx := commandstore.NewFeed(ctx)

	pubsub := s.client.PSubscribe(subCtx, s.channelPrefix+globPattern(pattern))

	// Wait for the subscription confirmation before taking the snapshot.
	_, err = pubsub.Receive(subCtx)
	if err != nil {
		_ = pubsub.Close()
		_ = sub.Close()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	updates := pubsub.ChannelWithSubscriptions()
	gate := newSnapshotGate(sub)

	go func() {
		defer sub.Finish()
		defer func() { _ = pubsub.Close() }()

		for {
			select {
			case <-subCtx.Done():
				return
			case raw, ok := <-updates:
				if !ok {
					return
				}

				switch msg := raw.(type) {
				case *redis.Subscription:
					// The initial confirmation was consumed above; another one means
					// the connection was re-established.
					s.logger.WarnContext(subCtx, "Redis subscription re-established, forcing resync", "pattern", pattern)

					return
				case *redis.Message:
					topic := strings.TrimPrefix(msg.Channel, s.channelPrefix)
					if commandstore.Match(pattern, topic) {
						gate.live(commandstore.Message{Topic: topic, Payload: []byte(msg.Payload)})
					}
				}
			}
		}
	}()

	err = s.snapshot(subCtx, pattern, gate)
	if err != nil {
		_ = sub.Close()

		return nil, err
	}

	gate.open()

	return sub, nil
}

func (s *Store) snapshot(ctx context.Context, pattern string, gate *snapshotGate) error {
	var cursor uint64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+globPattern(pattern), scanCount).Result()
		if err != nil {
			return fmt.Errorf("failed to scan retained keys: %w", err)
		}

		for _, key := range keys {
			topic := strings.TrimPrefix(key, s.keyPrefix)
			if !commandstore.Match(pattern, topic) {
				continue
			}

			payload, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}

			if err != nil {
				return fmt.Errorf("failed to read retained key %s: %w", key, err)
			}

			gate.retained(commandstore.Message{Topic: topic, Payload: payload})
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// snapshotGate orders the snapshot against live updates racing with it. Live messages
// are held back until the snapshot has been pushed, and a snapshot value is dropped
// when a live message for its topic was already seen, since that one is newer.
type snapshotGate struct {
	feed *commandstore.Feed

	mu      sync.Mutex
	pending []commandstore.Message
	touched map[string]bool
	synced  bool
}

func newSnapshotGate(feed *commandstore.Feed) *snapshotGate {
	return &snapshotGate{feed: feed, touched: make(map[string]bool)}
}

func (g *snapshotGate) live(msg commandstore.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.synced {
		g.feed.Push(msg)

		return
	}

	g.touched[msg.Topic] = true
	g.pending = append(g.pending, msg)
}

func (g *snapshotGate) retained(msg commandstore.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.touched[msg.Topic] {
		return
	}

	g.feed.Push(msg)
}

// open releases the held back live messages and marks the feed synced.
func (g *snapshotGate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, msg := range g.pending {
		g.feed.Push(msg)
	}

	g.pending = nil
	g.touched = nil
	g.synced = true
	g.feed.MarkSynced()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// globPattern converts an MQTT pattern into a Redis glob that matches a superset of
// the topics; results are filtered again with commandstore.Match.
func globPattern(pattern string) string {
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		switch level {
		case "+", "#":
			levels[i] = "*"
		default:
			levels[i] = escapeGlob(level)
		}
	}

	return strings.Join(levels, "/")
}

func escapeGlob(s string) string {
	var b strings.Builder

	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}
