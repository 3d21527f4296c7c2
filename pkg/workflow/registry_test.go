package workflow

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	registry := NewRegistry(logger, NewParser("prepare-restart", "restart", "log"))

	require.NoError(t, registry.LoadBuiltin())

	return registry
}

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestRegistry_Builtin(t *testing.T) {
	registry := newTestRegistry(t)

	assert.Equal(t, []string{
		"config_snapshot",
		"config_update",
		"device_profile",
		"firmware_update",
		"log_upload",
		"restart",
		"software_update",
	}, registry.Operations())

	restart, err := registry.Resolve("restart", "")
	require.NoError(t, err)
	assert.Equal(t, BuiltinSource, restart.Source)

	executing, ok := restart.State("executing")
	require.True(t, ok)
	assert.Equal(t, Builtin{Name: "prepare-restart"}, executing.Action)
	assert.Equal(t, "restarting", executing.OnSuccess)

	update, err := registry.Resolve("software_update", "")
	require.NoError(t, err)

	executing, _ = update.State("executing")
	assert.Equal(t, ActionScript, executing.Action.Kind())
}

func TestRegistry_UnknownOperation(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Resolve("teleport", "")
	require.ErrorIs(t, err, ErrUnknownOperation)
	assert.True(t, IsUnknownOperation(err))

	_, err = registry.Resolve("teleport", "v1")
	require.ErrorIs(t, err, ErrVersionMismatch)
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestRegistry_OverrideKeepsOldVersion(t *testing.T) {
	registry := newTestRegistry(t)

	builtin, err := registry.Resolve("restart", "")
	require.NoError(t, err)

	dir := t.TempDir()
	writeWorkflow(t, dir, "restart.toml", `
operation = "restart"
version = "custom-1"

[states.init]
action = "builtin"
builtin = "restart"
on_success = "successful"
`)

	require.NoError(t, registry.LoadDir(dir))

	current, err := registry.Resolve("restart", "")
	require.NoError(t, err)
	assert.Equal(t, "custom-1", current.Version)
	assert.Equal(t, filepath.Join(dir, "restart.toml"), current.Source)

	old, err := registry.Resolve("restart", builtin.Version)
	require.NoError(t, err)
	assert.Same(t, builtin, old)
}

func TestRegistry_UnknownVersionFallsBack(t *testing.T) {
	registry := newTestRegistry(t)

	current, err := registry.Resolve("restart", "")
	require.NoError(t, err)

	def, err := registry.Resolve("restart", "long-gone")
	require.NoError(t, err)
	assert.Same(t, current, def)
}

func TestRegistry_MalformedFileIsIsolated(t *testing.T) {
	registry := newTestRegistry(t)
	dir := t.TempDir()

	writeWorkflow(t, dir, "broken.toml", `
operation = "broken_op"

[states.init]
action = "proceed"
on_success = "nowhere"
`)
	writeWorkflow(t, dir, "restart.toml", `
operation = "restart"

[states.init]
action = "script"
on_success = "successful"
`)
	writeWorkflow(t, dir, "good.toml", `
operation = "good_op"

[states.init]
action = "proceed"
on_success = "successful"
`)
	writeWorkflow(t, dir, "README.md", "not a workflow")

	err := registry.LoadDir(dir)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = registry.Resolve("broken_op", "")
	require.ErrorIs(t, err, ErrInvalidDefinition)
	assert.False(t, IsUnknownOperation(err))

	restart, err := registry.Resolve("restart", "")
	require.NoError(t, err)
	assert.Equal(t, BuiltinSource, restart.Source)

	_, err = registry.Resolve("good_op", "")
	require.NoError(t, err)
	assert.Contains(t, registry.Operations(), "good_op")
	assert.NotContains(t, registry.Operations(), "broken_op")
}

func TestRegistry_MissingDir(t *testing.T) {
	registry := newTestRegistry(t)

	require.NoError(t, registry.LoadDir(filepath.Join(t.TempDir(), "absent")))
}
