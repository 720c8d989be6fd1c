// Package store is the key-path document store that holds all transient
// session state. Values are JSON documents addressed by a path string.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when nothing is stored at the path.
	ErrNotFound = errors.New("store: path not found")
	// ErrPersistence wraps every I/O failure of a backend.
	ErrPersistence = errors.New("persistence error")
	// ErrConflict is returned when a transactional update kept losing races.
	ErrConflict = errors.New("store: too many concurrent updates")
)

// UpdateFunc computes the next document from the current raw value.
// exists is false when the path is empty. Returning an error aborts the
// update without writing and the error is returned unchanged.
type UpdateFunc func(current []byte, exists bool) (any, error)

// Store is the persistence boundary of the session engine.
type Store interface {
	// Get decodes the document at path into dst.
	Get(ctx context.Context, path string, dst any) error
	// Set overwrites the document at path. ttl 0 means no expiry.
	Set(ctx context.Context, path string, v any, ttl time.Duration) error
	// Delete removes every given path. Missing paths are ignored.
	Delete(ctx context.Context, paths ...string) error
	// Update runs an atomic read-modify-write on path. Any TTL on the path is kept.
	Update(ctx context.Context, path string, fn UpdateFunc) error
	// SetIfAbsent writes v only when path is empty and reports whether it did.
	SetIfAbsent(ctx context.Context, path string, v any, ttl time.Duration) (bool, error)
	// CompareAndDelete removes path only when it currently holds expected.
	CompareAndDelete(ctx context.Context, path string, expected any) (bool, error)
	// Push appends v to the named queue.
	Push(ctx context.Context, queue string, v any) error
}

const maxUpdateRetries = 32

func persistenceErr(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrPersistence, op, path, err)
}

// updateAbort carries an UpdateFunc error through a backend transaction.
type updateAbort struct {
	err error
}

func (a *updateAbort) Error() string { return a.err.Error() }
