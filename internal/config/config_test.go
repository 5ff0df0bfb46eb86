package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)
	assert.NoError(t, Validate(cfg))
}

func TestDefaultConfig_MatchesRemoteClientDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "2s", cfg.Remote.RetryTime)
	assert.Equal(t, 5, cfg.Remote.RetryCount)
	assert.Equal(t, "64KiB", cfg.Remote.PayloadLimit)
	assert.Equal(t, "1s", cfg.Remote.PollInterval)
	assert.Equal(t, 10, cfg.Remote.PollConcurrency)
	assert.Equal(t, 10, cfg.Remote.UploadConcurrency)
}

func TestDefaultConfig_CacheDirDefaultsToPlatformCacheDir(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultCacheDir(), cfg.Cache.Dir)
}

func TestDefaultConfig_RevalidationIntervalIs24h(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "24h", cfg.Cache.RevalidationInterval)
}
