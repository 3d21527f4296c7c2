package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edgeops/edge-agent/pkg/config"
	"github.com/edgeops/edge-agent/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.WorkflowDir = t.TempDir()
	cfg.StoreURL = "file://" + t.TempDir()

	return cfg
}

func testContext() context.Context {
	return log.WithLogger(context.Background(), log.New(&bytes.Buffer{}, "error", "text"))
}

func TestValidateWorkflows(t *testing.T) {
	cfg := testConfig(t)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkflowDir, "reset.toml"), []byte(`
operation = "factory_reset"
version = "v1"

[states.init]
action = "script"
script = "${.script_dir}/factory_reset"
on_success = "successful"
`), 0o600))

	var out bytes.Buffer

	require.NoError(t, validateWorkflows(testContext(), &out, cfg))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Contains(t, out.String(), "factory_reset")
	assert.Contains(t, out.String(), "restart")
	assert.GreaterOrEqual(t, len(lines), 8)
}

func TestValidateWorkflows_ReportsInvalidFiles(t *testing.T) {
	cfg := testConfig(t)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkflowDir, "broken.toml"), []byte(`
operation = "broken"

[states.init]
action = "teleport"
`), 0o600))

	var out bytes.Buffer

	err := validateWorkflows(testContext(), &out, cfg)

	require.ErrorIs(t, err, ErrInvalidWorkflows)
	assert.Contains(t, out.String(), "invalid: "+filepath.Join(cfg.WorkflowDir, "broken.toml"))
}

func TestWithStore_PublishesToFileStore(t *testing.T) {
	a := &agent{cfg: testConfig(t)}
	topic := "te/device/main///cmd/restart/r1"

	err := a.withStore(testContext(), func(ctx context.Context, store storeWriter) error {
		return store.Publish(ctx, topic, []byte(`{"status":"init"}`))
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(strings.TrimPrefix(a.cfg.StoreURL, "file://"), "retained"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
