package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file on top of DefaultConfig,
// applies environment overrides, validates the result, and returns the
// resulting Config. A missing file is not an error: defaults (plus env
// overrides) are returned as-is, mirroring the broker running with no
// config file at all.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	if path != "" {
		logger.Debug("loading config file", "path", path)

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Debug("config file not found, using defaults", "path", path)
			} else {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	ReadEnvOverrides().Apply(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config resolved",
		"base_url", cfg.Remote.BaseURL,
		"cache_dir", cfg.Cache.Dir,
	)

	return cfg, nil
}

// ResolvePath determines the config file path to load: CLI flag (if
// non-empty) takes precedence over the CONTREE_BROKER_CONFIG environment
// variable, which takes precedence over the platform default.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}

	if env := ReadEnvOverrides().ConfigPath; env != "" {
		return env
	}

	return DefaultConfigPath()
}
