package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/contree/broker/internal/cache"
)

// pollConcurrency bounds the number of operation pollers running at once.
const pollConcurrency = 10

const (
	defaultRetryTime    = 2 * time.Second
	defaultRetryCount   = 5
	defaultPayloadLimit = 64 * 1024
	defaultPollInterval = 1 * time.Second
)

// userAgent identifies this broker to the remote service as
// "<product>/<version> go/<version> <os>".
var userAgent = fmt.Sprintf("contree-broker/0 go/%s %s", strings.TrimPrefix(runtime.Version(), "go"), runtime.GOOS)

// Client is a strongly-typed HTTP client for the remote container-execution
// service: structured and streaming request dispatch with
// 5xx retry, content-addressed upload coalescing, and tracking of
// long-running operations with bounded-concurrency polling.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cache      *cache.Store
	logger     *slog.Logger

	retryTime    time.Duration
	retryCount   int
	payloadLimit int64
	pollInterval time.Duration

	pollSemaphore *semaphore.Weighted

	trackedMu sync.Mutex
	tracked   map[string]*trackedOperation

	// sleepFunc waits between retries and poll iterations. Tests override
	// this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client's retry/poll tuning at construction time,
// overriding the package defaults. Applied after NewClient's base
// configuration, so later options in the list win over earlier ones.
type Option func(*Client)

// WithRetry overrides the fixed retry interval and max attempt count used
// by send's 5xx retry loop (config.RemoteConfig.RetryTime/RetryCount).
func WithRetry(interval time.Duration, count int) Option {
	return func(c *Client) {
		c.retryTime = interval
		c.retryCount = count
	}
}

// WithPayloadLimit overrides the maximum response body size buffered for
// structured/text requests (config.RemoteConfig.PayloadLimit).
func WithPayloadLimit(limit int64) Option {
	return func(c *Client) {
		c.payloadLimit = limit
	}
}

// WithPollInterval overrides the fixed interval between operation status
// polls (config.RemoteConfig.PollInterval).
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
	}
}

// WithPollConcurrency overrides the number of concurrent operation pollers
// (config.RemoteConfig.PollConcurrency), replacing the default semaphore.
func WithPollConcurrency(n int) Option {
	return func(c *Client) {
		c.pollSemaphore = semaphore.NewWeighted(int64(n))
	}
}

// NewClient builds a Client against baseURL (the remote service's root;
// "/v1" is appended once here). token is sent as a Bearer credential on
// every request.
func NewClient(baseURL, token string, httpClient *http.Client, store *cache.Store, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/") + "/v1",
		token:         token,
		httpClient:    httpClient,
		cache:         store,
		logger:        logger,
		retryTime:     defaultRetryTime,
		retryCount:    defaultRetryCount,
		payloadLimit:  defaultPayloadLimit,
		pollInterval:  defaultPollInterval,
		pollSemaphore: semaphore.NewWeighted(pollConcurrency),
		tracked:       make(map[string]*trackedOperation),
		sleepFunc:     timeSleep,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Close cancels every tracked operation's local poller, best-effort
// cancels each still-incomplete operation on the remote, and waits for the
// pollers to exit.
func (c *Client) Close(ctx context.Context) error {
	c.trackedMu.Lock()
	ops := make([]*trackedOperation, 0, len(c.tracked))

	for _, op := range c.tracked {
		ops = append(ops, op)
	}

	c.trackedMu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	c.logger.Info("cancelling tracked operations", slog.Int("count", len(ops)))

	var wg sync.WaitGroup

	for _, op := range ops {
		op.cancelPoller()

		wg.Add(1)

		go func(op *trackedOperation) {
			defer wg.Done()

			if _, err := c.CancelOperation(ctx, op.id); err != nil {
				c.logger.Debug("best-effort cancel on close failed",
					slog.String("operation_id", op.id), slog.String("error", err.Error()))
			}

			<-op.done
		}(op)
	}

	wg.Wait()

	c.trackedMu.Lock()
	c.tracked = make(map[string]*trackedOperation)
	c.trackedMu.Unlock()

	return nil
}

// send executes one logical request with the shared 5xx-retry loop:
// 4xx fails immediately with *RemoteError, 5xx sleeps
// retryTime and retries up to retryCount times. On success it returns the
// *http.Response with its Body still open — the caller owns closing it.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader) (*http.Response, error) {
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	bodyBytes, err := drainReader(body)
	if err != nil {
		return nil, fmt.Errorf("remoteclient: buffering request body: %w", err)
	}

	var attempt int

	for {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		resp, err := c.doOnce(ctx, method, target, contentType, reqBody)
		if err != nil {
			return nil, fmt.Errorf("remoteclient: %s %s: %w", method, path, err)
		}

		if resp.StatusCode < 400 {
			return resp, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, c.payloadLimit))
		resp.Body.Close()

		if resp.StatusCode < 500 {
			return nil, &RemoteError{Status: resp.StatusCode, Message: extractErrorMessage(errBody)}
		}

		if attempt >= c.retryCount {
			return nil, &RemoteError{Status: resp.StatusCode, Message: extractErrorMessage(errBody)}
		}

		c.logger.Debug("server error, retrying",
			slog.String("method", method), slog.String("path", path),
			slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt+1))

		if sleepErr := c.sleepFunc(ctx, c.retryTime); sleepErr != nil {
			return nil, fmt.Errorf("remoteclient: %s %s canceled during retry: %w", method, path, sleepErr)
		}

		attempt++
	}
}

func (c *Client) doOnce(ctx context.Context, method, target, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

// requestJSON performs a structured request: body, if non-nil, is
// marshalled as the JSON request payload; the response is read up to
// payloadLimit and decoded into out. It returns the response
// headers (e.g. Location) for callers that need them.
func (c *Client) requestJSON(ctx context.Context, method, path string, query url.Values, body, out any) (http.Header, error) {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remoteclient: encoding request body: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	resp, err := c.send(ctx, method, path, query, "application/json", reader)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := readLimited(resp.Body, c.payloadLimit)
	if err != nil {
		return resp.Header, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	if out != nil {
		if len(bytes.TrimSpace(respBody)) == 0 {
			return resp.Header, fmt.Errorf("%w: empty response body", ErrProtocol)
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.Header, fmt.Errorf("%w: decoding response: %w", ErrProtocol, err)
		}
	}

	return resp.Header, nil
}

// submitOperation POSTs a submission body and extracts the operation id
// from the response body's uuid field or, failing that, the tail of the
// Location header. A submission response may legitimately have an empty
// body when the id is only in the header.
func (c *Client) submitOperation(ctx context.Context, path string, body any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("remoteclient: encoding request body: %w", err)
	}

	resp, err := c.send(ctx, "POST", path, nil, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := readLimited(resp.Body, c.payloadLimit)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	var out submissionResponse

	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return "", fmt.Errorf("%w: decoding submission response: %w", ErrProtocol, err)
		}
	}

	operationID := out.UUID
	if operationID == "" {
		operationID = locationTail(resp.Header.Get("Location"))
	}

	return operationID, nil
}

// requestText performs a request and returns the full response body
// unbounded by payloadLimit, for the inspect endpoints whose payload is
// image content rather than a small structured envelope.
func (c *Client) requestText(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	resp, err := c.send(ctx, method, path, query, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// streamResponse issues a request and returns the live response for the
// caller to read as a stream.
// The caller must close the returned body.
func (c *Client) streamResponse(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	return c.send(ctx, method, path, query, "", nil)
}

// headRequest issues a HEAD request and reports the response status code.
// A non-2xx status (including a 404 RemoteError from send) is returned as
// an error; callers such as FileExists/CheckFileExists treat any error at
// all as "doesn't exist".
func (c *Client) headRequest(ctx context.Context, path string, query url.Values) (int, error) {
	resp, err := c.send(ctx, http.MethodHead, path, query, "", nil)
	if err != nil {
		return 0, err
	}

	resp.Body.Close()

	return resp.StatusCode, nil
}

func drainReader(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}

	return io.ReadAll(r)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response too large (limit %d bytes)", limit)
	}

	return data, nil
}

func extractErrorMessage(body []byte) string {
	var errBody errorBody
	if err := json.Unmarshal(body, &errBody); err == nil && errBody.Error != "" {
		return errBody.Error
	}

	return string(body)
}

// timeSleep waits for the given duration or until the context is
// canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
