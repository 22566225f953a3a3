package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := FromLoader(NewEnvLoader(DefaultEnvPrefix))
	require.NoError(t, err)

	assert.Equal(t, DefaultCoordinatorURL, cfg.CoordinatorURL)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 5, cfg.Reconnect.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, 1.0, cfg.Reconnect.Backoff)
	assert.True(t, cfg.FetchNodeLogs)
	assert.Zero(t, cfg.LogBufferLimit)
	assert.Empty(t, cfg.NATSURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LEDGERWATCH_COORDINATOR_URL", "https://coord.example:5000/")
	t.Setenv("LEDGERWATCH_PROBE_TIMEOUT", "750ms")
	t.Setenv("LEDGERWATCH_RECONNECT_ATTEMPTS", "3")
	t.Setenv("LEDGERWATCH_RECONNECT_BACKOFF", "2")
	t.Setenv("LEDGERWATCH_FETCH_NODE_LOGS", "false")
	t.Setenv("LEDGERWATCH_API_LISTEN_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://coord.example:5000", cfg.CoordinatorURL)
	assert.Equal(t, 750*time.Millisecond, cfg.ProbeTimeout)
	assert.Equal(t, 3, cfg.Reconnect.Attempts)
	assert.Equal(t, 2.0, cfg.Reconnect.Backoff)
	assert.False(t, cfg.FetchNodeLogs)
	assert.Empty(t, cfg.APIListenAddr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad scheme", "COORDINATOR_URL", "ftp://coord"},
		{"bad duration", "REQUEST_TIMEOUT", "soon"},
		{"zero timeout", "PROBE_TIMEOUT", "0s"},
		{"negative attempts", "RECONNECT_ATTEMPTS", "-1"},
		{"backoff below one", "RECONNECT_BACKOFF", "0.5"},
		{"negative buffer", "LOG_BUFFER_LIMIT", "-10"},
		{"bad level", "LOG_LEVEL", "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewEnvLoader(DefaultEnvPrefix)
			loader.Set(tt.key, tt.value)
			_, err := FromLoader(loader)
			require.Error(t, err)
		})
	}
}
