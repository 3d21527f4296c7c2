package commandstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		match   bool
	}{
		{"te/#", "te/device/main///cmd/restart/1", true},
		{"te/#", "te", true},
		{"#", "anything/at/all", true},
		{"te/+/main///cmd/+/+", "te/device/main///cmd/restart/1", true},
		{"te/+/main///cmd/+/+", "te/device/main///cmd/restart", false},
		{"te/device/main///cmd/restart/1", "te/device/main///cmd/restart/1", true},
		{"te/device/main///cmd/restart/1", "te/device/main///cmd/restart/2", false},
		{"a/+", "a/b/c", false},
		{"a/+/c", "a//c", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.match, Match(tt.pattern, tt.topic))
		})
	}
}

func TestValidatePattern(t *testing.T) {
	require.NoError(t, ValidatePattern("te/#"))
	require.NoError(t, ValidatePattern("te/+/+"))

	require.ErrorIs(t, ValidatePattern(""), ErrInvalidPattern)
	require.ErrorIs(t, ValidatePattern("te/#/x"), ErrInvalidPattern)
	require.ErrorIs(t, ValidatePattern("te/a+"), ErrInvalidPattern)
}
