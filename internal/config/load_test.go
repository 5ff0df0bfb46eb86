package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_ParsesTOMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[remote]
base_url = "https://broker.example.com"
retry_count = 3

[cache]
retention_days = 7
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://broker.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, 3, cfg.Remote.RetryCount)
	assert.Equal(t, 7, cfg.Cache.RetentionDays)

	// Fields not set in the file retain their defaults.
	assert.Equal(t, defaultPollInterval, cfg.Remote.PollInterval)
}

func TestLoad_MalformedTOMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))

	_, err := Load(path, nil)
	assert.Error(t, err)
}

func TestLoad_InvalidResolvedConfigReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[logging]
log_level = "verbose"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.log_level")
}

func TestLoad_EnvOverridesTakePrecedenceOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[remote]
base_url = "https://from-file.example.com"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	t.Setenv(EnvBaseURL, "https://from-env.example.com")
	t.Setenv(EnvToken, "")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.com", cfg.Remote.BaseURL)
}

func TestResolvePath_FlagTakesPrecedence(t *testing.T) {
	t.Setenv(EnvConfig, "/from/env/config.toml")
	assert.Equal(t, "/from/flag/config.toml", ResolvePath("/from/flag/config.toml"))
}

func TestResolvePath_FallsBackToEnvThenDefault(t *testing.T) {
	t.Setenv(EnvConfig, "/from/env/config.toml")
	assert.Equal(t, "/from/env/config.toml", ResolvePath(""))

	t.Setenv(EnvConfig, "")
	assert.Equal(t, DefaultConfigPath(), ResolvePath(""))
}
