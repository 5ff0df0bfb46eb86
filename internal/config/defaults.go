package config

// Default values for configuration options.
// These are "layer 1" of the four-layer override chain: built-in defaults
// -> config file -> environment -> CLI flags.
const (
	defaultBaseURL           = "http://localhost:8080"
	defaultRetryTime         = "2s"
	defaultRetryCount        = 5
	defaultPayloadLimit      = "64KiB"
	defaultPollInterval      = "1s"
	defaultPollConcurrency   = 10
	defaultUploadConcurrency = 10
	defaultConnectTimeout    = "10s"

	defaultRetentionDays        = 90
	defaultRevalidationInterval = "24h"

	defaultLogLevel  = "info"
	defaultLogFormat = "auto"
)

// DefaultConfig returns a Config populated with all default values. This
// is the starting point both for TOML decoding (so unset fields retain
// defaults) and for the no-config-file case.
func DefaultConfig() *Config {
	return &Config{
		Remote:  defaultRemoteConfig(),
		Cache:   defaultCacheConfig(),
		Logging: defaultLoggingConfig(),
	}
}

func defaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		BaseURL:           defaultBaseURL,
		RetryTime:         defaultRetryTime,
		RetryCount:        defaultRetryCount,
		PayloadLimit:      defaultPayloadLimit,
		PollInterval:      defaultPollInterval,
		PollConcurrency:   defaultPollConcurrency,
		UploadConcurrency: defaultUploadConcurrency,
		ConnectTimeout:    defaultConnectTimeout,
	}
}

func defaultCacheConfig() CacheConfig {
	return CacheConfig{
		Dir:                  DefaultCacheDir(),
		RetentionDays:        defaultRetentionDays,
		RevalidationInterval: defaultRevalidationInterval,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
