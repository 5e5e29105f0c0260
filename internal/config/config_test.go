package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("FORK_MODE", "")
	t.Setenv("MAX_QUEUE_SIZE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ModeRelay, cfg.ForkMode)
	assert.Equal(t, 10, cfg.MaxQueueSize)
	assert.Equal(t, 2*time.Second, cfg.PlaybackDefaultWait)
	assert.Equal(t, 500*time.Millisecond, cfg.PlaybackMinWait)
	assert.Equal(t, 15*time.Second, cfg.PlaybackMaxWait)
	assert.Equal(t, []string{"broadcast", "setvar_playback", "displace"}, cfg.PlaybackStrategies)
	assert.Equal(t, "20", cfg.ChannelVars["STREAM_BUFFER_SIZE"])
	assert.Equal(t, 10*time.Second, cfg.ESLReconnectInterval)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ESL_HOST", "pbx.local")
	t.Setenv("ESL_PORT", "9021")
	t.Setenv("FORK_MODE", "DIRECT")
	t.Setenv("MAX_QUEUE_SIZE", "3")
	t.Setenv("PLAYBACK_MARGIN_MS", "50")
	t.Setenv("PLAYBACK_STRATEGIES", "displace, broadcast")
	t.Setenv("ENABLED_PATTERNS", "^1\\d+$,^2")
	t.Setenv("STREAM_HEART_BEAT", "10")
	t.Setenv("MONITOR_BOTH_LEGS", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "pbx.local:9021", cfg.ESLAddr)
	assert.Equal(t, ModeDirect, cfg.ForkMode)
	assert.Equal(t, 3, cfg.MaxQueueSize)
	assert.Equal(t, 50*time.Millisecond, cfg.PlaybackMargin)
	assert.Equal(t, []string{"displace", "broadcast"}, cfg.PlaybackStrategies)
	assert.Equal(t, []string{"^1\\d+$", "^2"}, cfg.EnabledPatterns)
	assert.Equal(t, "10", cfg.ChannelVars["STREAM_HEART_BEAT"])
	assert.True(t, cfg.MonitorBothLegs)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "ESL_PORT", "abc"},
		{"bad queue size", "MAX_QUEUE_SIZE", "ten"},
		{"zero queue size", "MAX_QUEUE_SIZE", "0"},
		{"bad mode", "FORK_MODE", "mirror"},
		{"bad trigger", "OUTBOUND_START_TRIGGER", "ring"},
		{"bad pattern", "DISABLED_PATTERNS", "(["},
		{"bad direction", "ENABLED_DIRECTIONS", "sideways"},
		{"default above max", "PLAYBACK_DEFAULT_WAIT_MS", "20000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
