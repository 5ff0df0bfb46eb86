// Package filecache turns a local directory plus exclusion patterns into a
// durable DirectoryState: the content-addressed snapshot of a tree destined
// for an injection path inside a remote container, revalidated against the
// remote periodically so stale blobs get re-uploaded before they're needed.
package filecache

import "errors"

// ErrInvalidArgument marks a caller precondition violation: a non-absolute
// sync path, most notably.
var ErrInvalidArgument = errors.New("filecache: invalid argument")

// ErrPersistence wraps any SQL or local-disk I/O failure.
var ErrPersistence = errors.New("filecache: persistence failure")

