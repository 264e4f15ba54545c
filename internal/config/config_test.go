package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 100, cfg.MaxConnectionsPerProject)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
	assert.Equal(t, EventSourceNATS, cfg.EventSource)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MAX_CONNECTIONS_PER_PROJECT", "3")
	t.Setenv("SEND_TIMEOUT", "250ms")
	t.Setenv("EVENT_SOURCE", "local")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConnectionsPerProject)
	assert.Equal(t, 250*time.Millisecond, cfg.SendTimeout)
	assert.Equal(t, EventSourceLocal, cfg.EventSource)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"MAX_CONNECTIONS_PER_PROJECT": "0",
		"SEND_TIMEOUT":                "-1s",
		"EVENT_SOURCE":                "kafka",
		"WORKER_POOL_SIZE":            "not-a-number",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
