package lsm

import "errors"

var (
	// ErrClosed is returned when an operation is invoked after Close.
	ErrClosed = errors.New("store is closed")

	// ErrTooManyFlushes is returned by an explicit Flush while a previous
	// flush is still in progress.
	ErrTooManyFlushes = errors.New("flush already in progress")

	// ErrFlushFailed wraps an I/O failure from a background flush.
	ErrFlushFailed = errors.New("background flush failed")

	// ErrCompactionFailed wraps an I/O failure from a background compaction.
	ErrCompactionFailed = errors.New("background compaction failed")

	// ErrCreationFailed wraps a failure to open the store directory or map
	// its tables.
	ErrCreationFailed = errors.New("store creation failed")
)
