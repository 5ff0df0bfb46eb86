package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minRetryCount        = 0
	maxRetryCount        = 20
	minPollConcurrency   = 1
	maxPollConcurrency   = 256
	minUploadConcurrency = 1
	maxUploadConcurrency = 256
	minRetentionDays     = 1
	minPayloadLimit      = 1024 // 1 KiB: below this even an empty JSON envelope can't fit
	minConnectTimeout    = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	if r.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url: must not be empty"))
	}

	errs = append(errs, validateDurationMin("remote.retry_time", r.RetryTime, 0)...)

	if r.RetryCount < minRetryCount || r.RetryCount > maxRetryCount {
		errs = append(errs, fmt.Errorf("remote.retry_count: must be between %d and %d, got %d",
			minRetryCount, maxRetryCount, r.RetryCount))
	}

	errs = append(errs, validatePayloadLimit(r.PayloadLimit)...)
	errs = append(errs, validateDurationMin("remote.poll_interval", r.PollInterval, 0)...)

	if r.PollConcurrency < minPollConcurrency || r.PollConcurrency > maxPollConcurrency {
		errs = append(errs, fmt.Errorf("remote.poll_concurrency: must be between %d and %d, got %d",
			minPollConcurrency, maxPollConcurrency, r.PollConcurrency))
	}

	if r.UploadConcurrency < minUploadConcurrency || r.UploadConcurrency > maxUploadConcurrency {
		errs = append(errs, fmt.Errorf("remote.upload_concurrency: must be between %d and %d, got %d",
			minUploadConcurrency, maxUploadConcurrency, r.UploadConcurrency))
	}

	errs = append(errs, validateDurationMin("remote.connect_timeout", r.ConnectTimeout, minConnectTimeout)...)

	return errs
}

func validatePayloadLimit(s string) []error {
	bytes, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("remote.payload_limit: %w", err)}
	}

	if bytes < minPayloadLimit {
		return []error{fmt.Errorf("remote.payload_limit: must be >= %d bytes, got %s", minPayloadLimit, s)}
	}

	return nil
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.New("cache.dir: must not be empty"))
	}

	if c.RetentionDays < minRetentionDays {
		errs = append(errs, fmt.Errorf("cache.retention_days: must be >= %d, got %d",
			minRetentionDays, c.RetentionDays))
	}

	errs = append(errs, validateDurationMin("cache.revalidation_interval", c.RevalidationInterval, 0)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}
