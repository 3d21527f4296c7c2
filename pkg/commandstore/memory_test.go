package commandstore

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/edgeops/edge-agent/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, opts ...MemoryOption) *Memory {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := NewMemory(context.Background(), logger, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func receive(t *testing.T, sub Subscription) Message {
	t.Helper()

	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")

		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")

		return Message{}
	}
}

func waitSynced(t *testing.T, sub Subscription) {
	t.Helper()

	select {
	case <-sub.Synced():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync")
	}
}

func TestMemory_SnapshotThenSynced(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.Publish(ctx, "te/a/cmd/restart/1", []byte(`{"status":"init"}`)))
	require.NoError(t, store.Publish(ctx, "te/b/cmd/restart/2", []byte(`{"status":"executing"}`)))
	require.NoError(t, store.Publish(ctx, "other/cmd/restart/3", []byte(`{"status":"init"}`)))

	sub, err := store.Subscribe(ctx, "te/#")
	require.NoError(t, err)

	defer func() { _ = sub.Close() }()

	first := receive(t, sub)
	second := receive(t, sub)

	assert.Equal(t, "te/a/cmd/restart/1", first.Topic)
	assert.Equal(t, "te/b/cmd/restart/2", second.Topic)

	waitSynced(t, sub)
}

func TestMemory_LiveUpdatesInOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	sub, err := store.Subscribe(ctx, "te/#")
	require.NoError(t, err)

	defer func() { _ = sub.Close() }()

	waitSynced(t, sub)

	topic := "te/a/cmd/restart/1"
	for _, status := range []string{"init", "scheduled", "executing", "successful"} {
		require.NoError(t, store.Publish(ctx, topic, []byte(`{"status":"`+status+`"}`)))
	}

	for _, status := range []string{"init", "scheduled", "executing", "successful"} {
		msg := receive(t, sub)
		assert.JSONEq(t, `{"status":"`+status+`"}`, string(msg.Payload))
	}
}

func TestMemory_Clear(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)
	topic := "te/a/cmd/restart/1"

	require.NoError(t, store.Publish(ctx, topic, []byte(`{"status":"successful"}`)))

	sub, err := store.Subscribe(ctx, "te/#")
	require.NoError(t, err)

	defer func() { _ = sub.Close() }()

	receive(t, sub)
	waitSynced(t, sub)

	require.NoError(t, store.Clear(ctx, topic))

	msg := receive(t, sub)
	assert.Equal(t, topic, msg.Topic)
	assert.True(t, msg.Cleared())

	_, ok := store.Retained(topic)
	assert.False(t, ok)
}

func TestMemory_RestoresFromPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	topic := "te/device/main///cmd/restart/1"

	first := newTestMemory(t, WithPersistence(file.NewPersistence(dir)))
	require.NoError(t, first.Publish(ctx, topic, []byte(`{"status":"executing"}`)))
	require.NoError(t, first.Publish(ctx, "te/device/main///cmd/restart/2", []byte(`{"status":"init"}`)))
	require.NoError(t, first.Clear(ctx, "te/device/main///cmd/restart/2"))
	require.NoError(t, first.Close())

	second := newTestMemory(t, WithPersistence(file.NewPersistence(dir)))

	payload, ok := second.Retained(topic)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"executing"}`, string(payload))

	_, ok = second.Retained("te/device/main///cmd/restart/2")
	assert.False(t, ok)
}

func TestMemory_CloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	sub, err := store.Subscribe(ctx, "#")
	require.NoError(t, err)

	waitSynced(t, sub)
	require.NoError(t, store.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}

	assert.ErrorIs(t, store.Publish(ctx, "a/cmd/x/1", []byte("{}")), ErrClosed)

	_, err = store.Subscribe(ctx, "#")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemory_InvalidPattern(t *testing.T) {
	store := newTestMemory(t)

	_, err := store.Subscribe(context.Background(), "a/#/b")

	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.Publish(ctx, "te/b/cmd/restart/2", []byte(`{"status":"init"}`)))
	require.NoError(t, store.Publish(ctx, "te/a/cmd/restart/1", []byte(`{"status":"executing"}`)))
	require.NoError(t, store.Publish(ctx, "te/a/cmd/restart/3", []byte(`{"status":"init"}`)))
	require.NoError(t, store.Clear(ctx, "te/a/cmd/restart/3"))

	messages, err := Snapshot(ctx, store, "te/#")
	require.NoError(t, err)

	require.Len(t, messages, 2)
	assert.Equal(t, "te/a/cmd/restart/1", messages[0].Topic)
	assert.Equal(t, "te/b/cmd/restart/2", messages[1].Topic)
}
