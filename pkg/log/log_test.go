package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "topic", "te/device/main///cmd/restart/1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"topic":"te/device/main///cmd/restart/1"`)

	buf.Reset()
	New(&buf, "bogus", "text").Info("default level is info")
	assert.Contains(t, buf.String(), "msg=\"default level is info\"")
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&buf, "debug", "text").With("command", "restart")
	ctx := WithLogger(context.Background(), logger)

	FromContext(ctx).Debug("step")
	assert.Contains(t, buf.String(), "command=restart")

	assert.NotNil(t, FromContext(context.Background()))
}
