// Package broker wires the broker's components into a single constructed-
// once Context passed explicitly by the caller; there is no process-global
// state.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/contree/broker/internal/cache"
	"github.com/contree/broker/internal/config"
	"github.com/contree/broker/internal/filecache"
	"github.com/contree/broker/internal/registryauth"
	"github.com/contree/broker/internal/remoteclient"
)

// generalCacheFile and fileCacheFile name the two SQLite databases kept
// side by side under config.CacheConfig.Dir.
const (
	generalCacheFile = "general.db"
	fileCacheFile    = "files.db"
)

// httpClientTimeout is the overall per-request deadline of the shared HTTP
// client. The remote client is built on this same client, so its streaming
// downloads and large uploads are bounded by it too, reading of the
// response body included.
const httpClientTimeout = 30 * time.Second

// Context bundles every long-lived component a broker operation needs:
// both SQLite-backed caches, the remote client, and the shared HTTP
// client/logger used to construct registry-auth helpers on demand.
// Built once by New and torn down once by Close.
type Context struct {
	Cfg    *config.Config
	Logger *slog.Logger

	GeneralCache *cache.Store
	FileCache    *filecache.Store
	Remote       *remoteclient.Client

	httpClient *http.Client

	closeOnce sync.Once
	closeErr  error
}

// New constructs a Context from a resolved Config: opens both caches,
// builds the remote client with the config's retry/poll tuning applied,
// and starts every background goroutine (cache retention sweeps, operation
// pollers on demand). Callers must call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connectTimeout, err := time.ParseDuration(cfg.Remote.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("broker: remote.connect_timeout: %w", err)
	}

	httpClient := &http.Client{
		Timeout: httpClientTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		},
	}

	generalStore, err := cache.Open(ctx, filepath.Join(cfg.Cache.Dir, generalCacheFile), cfg.Cache.RetentionDays, logger)
	if err != nil {
		return nil, fmt.Errorf("broker: opening general cache: %w", err)
	}

	revalidationInterval, err := time.ParseDuration(cfg.Cache.RevalidationInterval)
	if err != nil {
		_ = generalStore.Close()

		return nil, fmt.Errorf("broker: cache.revalidation_interval: %w", err)
	}

	fileStore, err := filecache.Open(ctx, filepath.Join(cfg.Cache.Dir, fileCacheFile), cfg.Cache.RetentionDays, logger,
		filecache.WithRevalidationInterval(revalidationInterval),
		filecache.WithUploadConcurrency(cfg.Remote.UploadConcurrency),
	)
	if err != nil {
		_ = generalStore.Close()

		return nil, fmt.Errorf("broker: opening file cache: %w", err)
	}

	remoteOpts, err := remoteClientOptions(cfg.Remote)
	if err != nil {
		_ = fileStore.Close()
		_ = generalStore.Close()

		return nil, fmt.Errorf("broker: %w", err)
	}

	remote := remoteclient.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, httpClient, generalStore, logger, remoteOpts...)

	return &Context{
		Cfg:          cfg,
		Logger:       logger,
		GeneralCache: generalStore,
		FileCache:    fileStore,
		Remote:       remote,
		httpClient:   httpClient,
	}, nil
}

// remoteClientOptions translates the resolved RemoteConfig's string-typed
// durations/sizes into remoteclient.Option values. Validate has already
// confirmed these parse cleanly, but errors are still surfaced rather than
// ignored in case New is ever called against an unvalidated Config.
func remoteClientOptions(r config.RemoteConfig) ([]remoteclient.Option, error) {
	retryTime, err := time.ParseDuration(r.RetryTime)
	if err != nil {
		return nil, fmt.Errorf("remote.retry_time: %w", err)
	}

	payloadLimit, err := config.ParseSize(r.PayloadLimit)
	if err != nil {
		return nil, fmt.Errorf("remote.payload_limit: %w", err)
	}

	pollInterval, err := time.ParseDuration(r.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("remote.poll_interval: %w", err)
	}

	return []remoteclient.Option{
		remoteclient.WithRetry(retryTime, r.RetryCount),
		remoteclient.WithPayloadLimit(payloadLimit),
		remoteclient.WithPollInterval(pollInterval),
		remoteclient.WithPollConcurrency(r.PollConcurrency),
	}, nil
}

// NewRegistryAuth builds a registryauth.RegistryAuth for the given image
// reference, sharing this Context's HTTP client and logger. Constructed
// on demand rather than held on Context: unlike the caches and the remote
// client, a RegistryAuth is scoped to a single registry host and only
// needed during image import.
func (c *Context) NewRegistryAuth(imageURL string) *registryauth.RegistryAuth {
	return registryauth.FromImageURL(imageURL, c.httpClient, c.Logger)
}

// Close tears down every component in reverse construction order: it first
// cancels the remote client's tracked operations (best-effort remote
// cancel, per remoteclient.Client.Close), then closes the file cache, then
// the general cache. Errors from each step are joined rather than
// short-circuited so a failure in one component doesn't hide another.
func (c *Context) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error

		if err := c.Remote.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing remote client: %w", err))
		}

		if err := c.FileCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing file cache: %w", err))
		}

		if err := c.GeneralCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing general cache: %w", err))
		}

		c.closeErr = errors.Join(errs...)
	})

	return c.closeErr
}
