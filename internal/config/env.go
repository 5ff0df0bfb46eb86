package config

import "os"

// Environment variable names for overrides (layer 3 of the four-layer
// resolution chain).
const (
	EnvConfig  = "CONTREE_BROKER_CONFIG"
	EnvToken   = "CONTREE_BROKER_TOKEN"
	EnvBaseURL = "CONTREE_BROKER_BASE_URL"
)

// EnvOverrides holds values derived from environment variables. Resolved
// by ReadEnvOverrides; callers apply the relevant fields on top of the
// file-layer Config.
type EnvOverrides struct {
	ConfigPath string // CONTREE_BROKER_CONFIG: override config file path
	Token      string // CONTREE_BROKER_TOKEN: remote bearer token
	BaseURL    string // CONTREE_BROKER_BASE_URL: remote base URL
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify a Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Token:      os.Getenv(EnvToken),
		BaseURL:    os.Getenv(EnvBaseURL),
	}
}

// Apply overlays non-empty env overrides onto cfg (layer 3).
func (e EnvOverrides) Apply(cfg *Config) {
	if e.Token != "" {
		cfg.Remote.Token = e.Token
	}

	if e.BaseURL != "" {
		cfg.Remote.BaseURL = e.BaseURL
	}
}
