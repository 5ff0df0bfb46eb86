package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigDir_RespectsXDGConfigHome(t *testing.T) {
	if platformLinux != "linux" {
		t.Skip("linux-only path")
	}

	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")

	dir := linuxConfigDir("/home/user")
	assert.Equal(t, filepath.Join("/xdg/config", appName), dir)
}

func TestLinuxConfigDir_FallsBackToHomeConfig(t *testing.T) {
	dir := linuxConfigDir("/home/user")
	assert.Equal(t, filepath.Join("/home/user", ".config", appName), dir)
}

func TestLinuxCacheDir_RespectsXDGCacheHome(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/xdg/cache")
	dir := linuxCacheDir("/home/user")
	assert.Equal(t, filepath.Join("/xdg/cache", appName), dir)
}

func TestLinuxCacheDir_FallsBackToHomeCache(t *testing.T) {
	dir := linuxCacheDir("/home/user")
	assert.Equal(t, filepath.Join("/home/user", ".cache", appName), dir)
}

func TestDefaultConfigPath_JoinsDirAndFileName(t *testing.T) {
	path := DefaultConfigPath()
	require.NotEmpty(t, path)
	assert.Equal(t, configFileName, filepath.Base(path))
}
