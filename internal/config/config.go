// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the broker.
package config

// Config is the top-level configuration structure, decoded from a single
// TOML file. Every knob is global: there is no per-remote or per-directory
// sectioning.
type Config struct {
	Remote  RemoteConfig  `toml:"remote"`
	Cache   CacheConfig   `toml:"cache"`
	Logging LoggingConfig `toml:"logging"`
}

// RemoteConfig controls the HTTP client talking to the remote
// container-execution service.
type RemoteConfig struct {
	BaseURL           string `toml:"base_url"`
	Token             string `toml:"token"`
	RetryTime         string `toml:"retry_time"`
	RetryCount        int    `toml:"retry_count"`
	PayloadLimit      string `toml:"payload_limit"`
	PollInterval      string `toml:"poll_interval"`
	PollConcurrency   int    `toml:"poll_concurrency"`
	UploadConcurrency int    `toml:"upload_concurrency"`
	ConnectTimeout    string `toml:"connect_timeout"`
}

// CacheConfig controls the on-disk General Cache / File Cache databases.
type CacheConfig struct {
	Dir                  string `toml:"dir"`
	RetentionDays        int    `toml:"retention_days"`
	RevalidationInterval string `toml:"revalidation_interval"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}
