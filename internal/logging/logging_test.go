package logging

import (
	"errors"
	"testing"

	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Lvl
	}{
		{"debug", log.DEBUG},
		{"", log.INFO},
		{" INFO ", log.INFO},
		{"warning", log.WARN},
		{"error", log.ERROR},
		{"off", log.OFF},
	}
	for _, tt := range tests {
		level, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, level, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupWithoutRollbar(t *testing.T) {
	require.NoError(t, Setup(Options{Level: "warn"}))
	assert.Equal(t, log.WARN, log.Level())
	assert.False(t, reporting.Load())

	// Must not panic or block with reporting disabled.
	Report(errors.New("boom"), map[string]interface{}{"classId": 1})
	Report(nil, nil)
	Close()

	assert.Error(t, Setup(Options{Level: "nope"}))
}
