package remoteclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/contree/broker/internal/lineage"
)

// trackingKind mirrors lineage.TrackingKind so operations.go doesn't need
// to import the tool-facing OperationKind constants for its own bookkeeping.
type trackingKind = lineage.TrackingKind

const (
	trackingInstance    = lineage.KindInstance
	trackingImageImport = lineage.KindImageImport
)

// operationMetadata is what trackOperation captures at submission time so
// the poller can hand it to lineage.RecordCompletion once the operation
// finishes.
type operationMetadata struct {
	InputImage  string
	Command     string
	RegistryURL string
}

// trackedOperation is one in-flight poll loop.
type trackedOperation struct {
	id     string
	done   chan struct{}
	result OperationResponse
	err    error

	cancelPoller context.CancelFunc
}

// trackOperation starts (or returns the existing) background poller for
// operationID.
func (c *Client) trackOperation(operationID string, kind trackingKind, meta operationMetadata) *trackedOperation {
	c.trackedMu.Lock()
	defer c.trackedMu.Unlock()

	if op, ok := c.tracked[operationID]; ok {
		return op
	}

	pollCtx, cancel := context.WithCancel(context.Background())

	op := &trackedOperation{
		id:           operationID,
		done:         make(chan struct{}),
		cancelPoller: cancel,
	}

	c.tracked[operationID] = op

	c.logger.Debug("tracking operation", "operation_id", operationID, "kind", kind)

	go c.pollUntilComplete(pollCtx, op, kind, meta)

	return op
}

// IsTracked reports whether operationID has an active background poller.
func (c *Client) IsTracked(operationID string) bool {
	c.trackedMu.Lock()
	defer c.trackedMu.Unlock()

	_, ok := c.tracked[operationID]

	return ok
}

// pollUntilComplete repeatedly fetches operationID until it reaches a
// terminal status, recording lineage on success, then removes it from the
// tracked set.
func (c *Client) pollUntilComplete(ctx context.Context, op *trackedOperation, kind trackingKind, meta operationMetadata) {
	defer close(op.done)

	defer func() {
		c.trackedMu.Lock()
		delete(c.tracked, op.id)
		c.trackedMu.Unlock()
	}()

	if err := c.pollSemaphore.Acquire(ctx, 1); err != nil {
		op.err = err
		return
	}
	defer c.pollSemaphore.Release(1)

	if result, ok := c.watchUntilComplete(ctx, op.id); ok {
		c.completeOperation(op, kind, meta, result)
		return
	}

	for {
		result, err := c.fetchOperation(ctx, op.id)
		if err != nil {
			op.err = err
			return
		}

		if result.Status.IsTerminal() {
			c.completeOperation(op, kind, meta, result)
			return
		}

		c.logger.Debug("operation still running", "operation_id", op.id, "status", result.Status)

		if err := c.sleepFunc(ctx, c.pollInterval); err != nil {
			op.err = err
			return
		}
	}
}

// completeOperation records lineage and stores the terminal result on op,
// shared by both the fixed-interval poller and the watch-channel fast path
// so the two state machines can't diverge in what "done" means.
func (c *Client) completeOperation(op *trackedOperation, kind trackingKind, meta operationMetadata, result OperationResponse) {
	c.logger.Debug("operation completed", "operation_id", op.id, "status", result.Status)

	if lineageErr := c.recordLineage(context.Background(), op.id, kind, meta, result); lineageErr != nil {
		c.logger.Warn("recording lineage failed", "operation_id", op.id, "error", lineageErr.Error())
	}

	op.result = result
}

func (c *Client) recordLineage(ctx context.Context, operationID string, kind trackingKind, meta operationMetadata, result OperationResponse) error {
	lineageResult := lineage.Result{Success: result.Status == StatusSuccess}

	if result.Result != nil {
		lineageResult.Image = result.Result.Image
		lineageResult.Tag = result.Result.Tag
	}

	return lineage.RecordCompletion(ctx, c.cache, operationID, kind, lineage.Metadata{
		InputImage:  meta.InputImage,
		Command:     meta.Command,
		RegistryURL: meta.RegistryURL,
	}, lineageResult)
}

// SpawnInstanceRequest is the input to SpawnInstance.
type SpawnInstanceRequest struct {
	Command          string
	Image            string
	Shell            bool
	Args             []string
	Env              map[string]string
	Cwd              string
	Timeout          int
	Hostname         string
	Disposable       bool
	Stdin            string
	TruncateOutputAt int
}

type spawnInstanceBody struct {
	Command          string            `json:"command"`
	Image            string            `json:"image"`
	Shell            bool              `json:"shell"`
	Args             []string          `json:"args"`
	Env              map[string]string `json:"env"`
	Cwd              string            `json:"cwd"`
	Timeout          int               `json:"timeout"`
	Hostname         string            `json:"hostname"`
	Disposable       bool              `json:"disposable"`
	Stdin            string            `json:"stdin,omitempty"`
	TruncateOutputAt int               `json:"truncate_output_at"`
}

// SpawnInstance submits an instance run and begins tracking its operation
// for completion polling, returning the operation id immediately.
func (c *Client) SpawnInstance(ctx context.Context, req SpawnInstanceRequest) (string, error) {
	if req.Cwd == "" {
		req.Cwd = "/root"
	}

	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	if req.Hostname == "" {
		req.Hostname = "linuxkit"
	}

	if req.TruncateOutputAt <= 0 {
		req.TruncateOutputAt = 1048576
	}

	body := spawnInstanceBody{
		Command:          req.Command,
		Image:            req.Image,
		Shell:            req.Shell,
		Args:             req.Args,
		Env:              req.Env,
		Cwd:              req.Cwd,
		Timeout:          req.Timeout,
		Hostname:         req.Hostname,
		Disposable:       req.Disposable,
		Stdin:            req.Stdin,
		TruncateOutputAt: req.TruncateOutputAt,
	}

	operationID, err := c.submitOperation(ctx, "/instances", body)
	if err != nil {
		return "", err
	}

	if operationID == "" {
		return "", fmt.Errorf("%w: no operation id returned from spawn_instance", ErrProtocol)
	}

	c.trackOperation(operationID, trackingInstance, operationMetadata{InputImage: req.Image, Command: req.Command})

	c.logger.Debug("spawning instance", "image", req.Image, "operation_id", operationID)

	return operationID, nil
}

// ListOperations returns a page of the operation history.
func (c *Client) ListOperations(ctx context.Context, limit, offset int, status OperationStatus, kind OperationKind, since, until string) ([]OperationResponse, error) {
	q := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}

	if status != "" {
		q.Set("status", string(status))
	}

	if kind != "" {
		q.Set("kind", string(kind))
	}

	if since != "" {
		q.Set("since", since)
	}

	if until != "" {
		q.Set("until", until)
	}

	var out struct {
		Operations []OperationResponse `json:"operations"`
	}

	if _, err := c.requestJSON(ctx, "GET", "/operations", q, nil, &out); err != nil {
		return nil, err
	}

	return out.Operations, nil
}

// fetchOperation always hits the remote and refreshes the cache.
func (c *Client) fetchOperation(ctx context.Context, operationID string) (OperationResponse, error) {
	var out OperationResponse

	if _, err := c.requestJSON(ctx, "GET", "/operations/"+operationID, nil, nil, &out); err != nil {
		return OperationResponse{}, err
	}

	if err := c.putCache("operation", operationID, out); err != nil {
		return OperationResponse{}, err
	}

	return out, nil
}

// GetOperation returns the cached operation snapshot if present, otherwise
// fetches it. Callers polling for completion
// should prefer WaitForOperation, which avoids the staleness a cached
// snapshot could introduce.
func (c *Client) GetOperation(ctx context.Context, operationID string) (OperationResponse, error) {
	var cached OperationResponse

	if hit, err := c.getCache(ctx, "operation", operationID, &cached); err != nil {
		return OperationResponse{}, err
	} else if hit {
		return cached, nil
	}

	return c.fetchOperation(ctx, operationID)
}

// CancelOperation requests cancellation of operationID, returning its
// status immediately if already terminal.
func (c *Client) CancelOperation(ctx context.Context, operationID string) (OperationStatus, error) {
	current, err := c.GetOperation(ctx, operationID)
	if err != nil {
		return "", err
	}

	if current.Status.IsTerminal() {
		return current.Status, nil
	}

	resp, err := c.send(ctx, "DELETE", "/operations/"+operationID, nil, "", nil)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	c.logger.Info("cancelled operation", "operation_id", operationID)

	return StatusCancelled, nil
}

// CancelIncompleteOperations best-effort cancels every tracked operation
// that hasn't reached a terminal status.
func (c *Client) CancelIncompleteOperations(ctx context.Context) {
	c.trackedMu.Lock()
	ids := make([]string, 0, len(c.tracked))

	for id := range c.tracked {
		ids = append(ids, id)
	}

	c.trackedMu.Unlock()

	for _, id := range ids {
		op, err := c.GetOperation(ctx, id)
		if err != nil {
			continue
		}

		if !op.Status.IsTerminal() {
			if _, err := c.CancelOperation(ctx, id); err != nil {
				c.logger.Debug("cancel incomplete operation failed", "operation_id", id, "error", err.Error())
			}
		}
	}
}

// WaitForOperation blocks until operationID reaches a terminal status or
// ctx ends. Both a deadline and a cancellation of ctx trigger a
// best-effort remote cancel before the error is returned — the background
// poller itself is unaffected and keeps running for any other waiter —
// but only an elapsed deadline is reported as ErrTimeout; caller
// cancellation propagates as context.Canceled.
func (c *Client) WaitForOperation(ctx context.Context, operationID string) (OperationResponse, error) {
	op := c.existingTrackedOperation(operationID)

	if op == nil {
		current, err := c.GetOperation(ctx, operationID)
		if err != nil {
			return OperationResponse{}, err
		}

		if current.Status.IsTerminal() {
			return current, nil
		}

		kind := trackingInstance
		if current.Kind == KindImageImport {
			kind = trackingImageImport
		}

		op = c.trackOperation(operationID, kind, operationMetadata{})
	}

	select {
	case <-op.done:
		if op.err != nil {
			return OperationResponse{}, op.err
		}

		return op.result, nil
	case <-ctx.Done():
		shieldedCancel(c, operationID)

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return OperationResponse{}, fmt.Errorf("%w: operation %s: %w", ErrTimeout, operationID, ctx.Err())
		}

		// Caller cancellation is not a timeout: re-raise it unchanged so
		// errors.Is(err, context.Canceled) holds for the caller.
		return OperationResponse{}, fmt.Errorf("remoteclient: waiting for operation %s: %w", operationID, ctx.Err())
	}
}

func (c *Client) existingTrackedOperation(operationID string) *trackedOperation {
	c.trackedMu.Lock()
	defer c.trackedMu.Unlock()

	return c.tracked[operationID]
}

// shieldedCancel issues a best-effort remote cancel on a background
// context so a canceled or timed-out waiter doesn't also abort the cancel
// request itself.
func shieldedCancel(c *Client, operationID string) {
	if _, err := c.CancelOperation(context.Background(), operationID); err != nil {
		c.logger.Debug("best-effort cancel after wait timeout failed", "operation_id", operationID, "error", err.Error())
	}
}
