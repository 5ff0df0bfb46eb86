// Package remoteclient implements strongly-typed HTTP access to the remote
// container-execution service: structured and streaming request dispatch,
// content-addressed upload coalescing, cached immutable-image inspection,
// and tracking of long-running operations with bounded-concurrency polling.
package remoteclient

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument marks a caller precondition violation — an image
// reference that is neither a UUID nor a `tag:` prefix, most notably.
var ErrInvalidArgument = errors.New("remoteclient: invalid argument")

// ErrProtocol marks a response the server sent that violates the wire
// contract: oversized body, malformed JSON, or a submission response
// missing both a body uuid and a Location header.
var ErrProtocol = errors.New("remoteclient: protocol violation")

// ErrTimeout is returned by WaitForOperation when max_wait elapses before
// the operation reaches a terminal status.
var ErrTimeout = errors.New("remoteclient: operation wait timed out")

// RemoteError wraps an HTTP 4xx response from the remote service. It is
// never retried.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remoteclient: HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether the error is a 404 response — callers such as
// GetFileByHash recognize this specifically.
func IsNotFound(err error) bool {
	var remoteErr *RemoteError

	return errors.As(err, &remoteErr) && remoteErr.Status == 404
}
