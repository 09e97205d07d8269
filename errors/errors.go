// Package errors defines all exported error sentinels for the tpie library.
//
// This is the single source of truth for error values. Both the top-level
// tpie package and the pipeline package import from here, ensuring errors.Is
// checks work across package boundaries.
package errors

import (
	"errors"
	"fmt"
)

// Error categories. Every sentinel below either is one of these or wraps
// one, so callers can match the broad category or the specific condition.
var (
	// ErrIO is wrapped around any backing-file open/read/write/truncate failure.
	ErrIO = errors.New("tpie: i/o error")

	// ErrState is the category for API misuse: calls made in the wrong
	// lifecycle phase of a stream, sorter, or pipeline.
	ErrState = errors.New("tpie: invalid state")

	// ErrCapacity indicates a memory budget too small for any viable
	// parameter choice.
	ErrCapacity = errors.New("tpie: memory budget too small")
)

// Stream errors
var (
	ErrEndOfStream     = errors.New("tpie: end of stream")
	ErrOutOfRange      = errors.New("tpie: position out of range")
	ErrStreamClosed    = fmt.Errorf("%w: stream is closed", ErrState)
	ErrStreamReadOnly  = fmt.Errorf("%w: stream is open for reading", ErrState)
	ErrStreamWriteOnly = fmt.Errorf("%w: stream is open for writing", ErrState)
	ErrBlockTooSmall   = errors.New("tpie: block size does not hold a single item")
)

// Stream header errors
var (
	ErrInvalidMagic      = errors.New("tpie: invalid magic number")
	ErrInvalidVersion    = errors.New("tpie: unsupported format version")
	ErrTruncatedHeader   = errors.New("tpie: stream header is truncated")
	ErrHeaderChecksum    = errors.New("tpie: stream header checksum mismatch")
	ErrBlockChecksum     = errors.New("tpie: block checksum mismatch")
	ErrBlockSizeMismatch = errors.New("tpie: stream block size does not match")
	ErrItemSizeMismatch  = errors.New("tpie: stream item size does not match")
	ErrItemTypeMismatch  = errors.New("tpie: stream item type tag does not match")
	ErrCorruptedBlock    = errors.New("tpie: block item count is inconsistent")
)

// Sorter errors
var (
	ErrParametersNotSet  = fmt.Errorf("%w: sort parameters not set", ErrState)
	ErrNotInRunFormation = fmt.Errorf("%w: push is only valid between Begin and End", ErrState)
	ErrRunFormationOpen  = fmt.Errorf("%w: run formation already in progress", ErrState)
	ErrCalcBeforeEnd     = fmt.Errorf("%w: calc before end of input", ErrState)
	ErrPullNotPrepared   = fmt.Errorf("%w: pull before calc", ErrState)
	ErrSorterClosed      = fmt.Errorf("%w: sorter is closed", ErrState)
)

// Heap errors
var (
	ErrHeapFull  = fmt.Errorf("%w: bounded heap is full", ErrCapacity)
	ErrHeapEmpty = errors.New("tpie: heap is empty")
)

// Pipeline errors
var (
	ErrNoSource      = fmt.Errorf("%w: pipeline has no source", ErrState)
	ErrAlreadyRun    = fmt.Errorf("%w: pipeline has already been run", ErrState)
	ErrWorkerFailed  = errors.New("tpie: parallel worker failed")
	ErrBufferOverrun = errors.New("tpie: output buffer overrun")
)
