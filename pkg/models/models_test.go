package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected Topic
		wantErr  bool
	}{
		{
			name:     "command on main device",
			raw:      "te/device/main///cmd/restart/abc",
			expected: Topic{Entity: "te/device/main//", Operation: "restart", ID: "abc"},
		},
		{
			name:     "capability topic",
			raw:      "te/device/main///cmd/software_update",
			expected: Topic{Entity: "te/device/main//", Operation: "software_update"},
		},
		{
			name:     "short entity",
			raw:      "child1/cmd/config_update/c-1",
			expected: Topic{Entity: "child1", Operation: "config_update", ID: "c-1"},
		},
		{
			name:    "not a command topic",
			raw:     "te/device/main///m/temperature",
			wantErr: true,
		},
		{
			name:    "wildcard",
			raw:     "te/device/main///cmd/+/abc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, err := ParseTopic(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTopic)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, topic)
			assert.Equal(t, tt.raw, topic.String())
		})
	}
}

func TestTopic_SubCommand(t *testing.T) {
	parent := CommandTopic("te/device/main//", "device_profile", "p1")

	sub := parent.SubCommand("software_update", 2)

	assert.Equal(t, "te/device/main///cmd/software_update/p1-2", sub.String())
}

func TestParseCommand(t *testing.T) {
	topic := CommandTopic("dev", "restart", "1")

	t.Run("valid", func(t *testing.T) {
		cmd, err := ParseCommand(topic, []byte(`{"status":"init","foo":1}`))
		require.NoError(t, err)
		assert.Equal(t, StatusInit, cmd.Status())
		assert.InDelta(t, 1.0, cmd.Payload["foo"], 0)
	})

	t.Run("missing status", func(t *testing.T) {
		_, err := ParseCommand(topic, []byte(`{"foo":1}`))
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseCommand(topic, []byte(`{status`))
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("json array", func(t *testing.T) {
		_, err := ParseCommand(topic, []byte(`[1,2]`))
		require.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestCommand_Fields(t *testing.T) {
	cmd := NewCommand(CommandTopic("dev", "device_profile", "p"), map[string]any{"name": "x"})
	assert.Equal(t, StatusInit, cmd.Status())

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cmd.SetCreatedAt(now)
	cmd.SetVersion("v1")
	cmd.SetCurrentIndex(2)
	cmd.Payload[FieldDepth] = float64(1)
	cmd.Payload[FieldParent] = "dev/cmd/device_profile/root"

	assert.Equal(t, now, cmd.CreatedAt())
	assert.Equal(t, "v1", cmd.Version())
	assert.Equal(t, 2, cmd.CurrentIndex())
	assert.Equal(t, 1, cmd.Depth())

	parent, ok := cmd.Parent()
	require.True(t, ok)
	assert.Equal(t, "root", parent.ID)

	cmd.Fail("boom")
	assert.Equal(t, StatusFailed, cmd.Status())
	assert.Equal(t, "boom", cmd.Reason())
}

func TestCommand_OutOfRangeIndex(t *testing.T) {
	cmd := NewCommand(CommandTopic("dev", "device_profile", "p"), map[string]any{
		FieldCurrentIndex: 1e30,
		FieldDepth:        -1e30,
	})

	assert.Equal(t, math.MaxInt, cmd.CurrentIndex())
	assert.Equal(t, math.MinInt, cmd.Depth())
}

func TestCommand_CloneIsDeep(t *testing.T) {
	cmd := NewCommand(CommandTopic("dev", "x", "1"), map[string]any{
		"nested": map[string]any{"a": "b"},
	})

	clone := cmd.Clone()
	clone.Payload["nested"].(map[string]any)["a"] = "changed"

	assert.Equal(t, "b", cmd.Payload["nested"].(map[string]any)["a"])
}

func TestCanonical(t *testing.T) {
	a := Canonical([]byte(`{ "b": 1, "a": "x" }`))
	b := Canonical([]byte(`{"a":"x","b":1}`))

	assert.Equal(t, a, b)
}

func TestSubOperations(t *testing.T) {
	cmd, err := ParseCommand(CommandTopic("dev", "device_profile", "p"), []byte(`{
		"status": "init",
		"operations": [
			{"operation": "firmware_update", "payload": {"name": "fw"}},
			{"operation": "software_update", "skip": true},
			{"operation": "config_update", "@skip": false, "bestEffort": true}
		]
	}`))
	require.NoError(t, err)

	ops, err := cmd.SubOperations()
	require.NoError(t, err)
	require.Len(t, ops, 3)

	assert.False(t, ops[0].Skip)
	assert.Equal(t, "fw", ops[0].Payload["name"])
	assert.True(t, ops[1].Skip)
	assert.False(t, ops[2].Skip)
	assert.True(t, ops[2].BestEffort)

	ops[0].Result = map[string]any{"status": StatusSuccessful}
	require.NoError(t, cmd.SetSubOperations(ops))

	again, err := cmd.SubOperations()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccessful, again[0].Result["status"])
	assert.True(t, again[1].Skip)
}
