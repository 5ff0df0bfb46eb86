// Package cache implements the general-purpose persistent cache: a
// (kind, key) -> JSON blob store with a single self-referential parent edge,
// TTL reads, recursive ancestor/child traversal, and a background retention
// sweep. It backs both the HTTP response cache and the image lineage graph.
package cache

import "errors"

// ErrInvalidArgument is returned when a caller violates a precondition —
// an unsafe List filter key, most notably.
var ErrInvalidArgument = errors.New("cache: invalid argument")

// ErrPersistence wraps any SQL or local-disk failure. Callers should not
// retry internally.
var ErrPersistence = errors.New("cache: persistence failure")

