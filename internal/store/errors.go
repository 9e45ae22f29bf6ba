// Package store implements the relay's on-disk message spool: a directory of
// envelope+content file pairs with commit/lock/fail lifecycle transitions.
package store

import "errors"

// Sentinel errors returned by store operations.
var (
	// ErrNotFound indicates the requested message id has no envelope in the spool.
	ErrNotFound = errors.New("store: message not found")

	// ErrFormatError indicates an envelope file could not be parsed.
	ErrFormatError = errors.New("store: envelope format error")

	// ErrStorage indicates the spool directory is missing, unwritable, or
	// otherwise unusable.
	ErrStorage = errors.New("store: storage error")

	// ErrTooBig indicates a message exceeded the configured maximum size
	// during construction.
	ErrTooBig = errors.New("store: message too big")

	// ErrAlreadyLocked indicates a concurrent locker won the race to rename
	// an envelope to its busy state.
	ErrAlreadyLocked = errors.New("store: message already locked")

	// ErrNotOpen indicates an operation was attempted on a NewMessage after
	// it was already committed or rolled back.
	ErrNotOpen = errors.New("store: message not open")
)
