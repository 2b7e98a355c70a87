package ldclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyOptions(opts []Option) config {
	c := &Client{config: defaultConfig()}
	for _, opt := range opts {
		opt(c)
	}
	return c.config
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	// Given
	t.Setenv("LD_MOBILE_KEY", "mob-key")

	// When
	cfg, err := LoadEnvConfig()

	// Then
	require.NoError(t, err)
	assert.Equal(t, "mob-key", cfg.MobileKey)
	assert.True(t, cfg.Streaming)
	assert.Empty(t, cfg.Options())
	assert.Equal(t, defaultConfig(), applyOptions(cfg.Options()))
}

func TestLoadEnvConfigRequiresMobileKey(t *testing.T) {
	t.Setenv("LD_MOBILE_KEY", "")

	_, err := LoadEnvConfig()

	assert.Error(t, err)
}

func TestLoadEnvConfigOverrides(t *testing.T) {
	// Given
	t.Setenv("LD_MOBILE_KEY", "mob-key")
	t.Setenv("LD_BASE_URL", "http://base")
	t.Setenv("LD_STREAM_URL", "http://stream")
	t.Setenv("LD_EVENTS_URL", "http://events")
	t.Setenv("LD_STREAMING", "false")
	t.Setenv("LD_USE_REPORT", "true")
	t.Setenv("LD_EVALUATION_REASONS", "true")
	t.Setenv("LD_POLLING_INTERVAL", "10s")
	t.Setenv("LD_EVENT_FLUSH_INTERVAL", "5s")
	t.Setenv("LD_EVENT_CAPACITY", "7")
	t.Setenv("LD_OFFLINE", "true")

	// When
	cfg, err := LoadEnvConfig()
	require.NoError(t, err)
	got := applyOptions(cfg.Options())

	// Then
	assert.Equal(t, "http://base", got.baseURL)
	assert.Equal(t, "http://stream", got.streamURL)
	assert.Equal(t, "http://events", got.eventsURL)
	assert.False(t, got.streaming)
	assert.True(t, got.useReport)
	assert.True(t, got.evaluationReasons)
	// raised to the minimum
	assert.Equal(t, MinPollingInterval, got.pollingInterval)
	assert.Equal(t, 5*time.Second, got.eventFlushInterval)
	assert.Equal(t, 7, got.eventCapacity)
	assert.False(t, got.startOnline)
}

func TestLoadEnvConfigInvalidDuration(t *testing.T) {
	t.Setenv("LD_MOBILE_KEY", "mob-key")
	t.Setenv("LD_POLLING_INTERVAL", "soon")

	_, err := LoadEnvConfig()

	assert.Error(t, err)
}
