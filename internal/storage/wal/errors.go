package wal

// ============================================================================
// WAL Error Definitions
// Purpose: Define all WAL-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorruptedWAL indicates WAL file is corrupted (cannot parse JSON)
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates WAL file is empty
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates WAL is closed, cannot perform operation
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates fsync failed (critical error)
	ErrSyncFailed = errors.New("wal: sync to disk failed")

	// ErrInvalidEvent indicates an event with missing fields
	ErrInvalidEvent = errors.New("wal: invalid event")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed event
	Expected uint32 // Expected checksum
	Actual   uint32 // Actual checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError represents WAL corruption error
type CorruptionError struct {
	Seq       uint64 // Sequence number of the last good event
	Offset    int64  // Byte offset in file
	Truncated bool   // The bad record is the unterminated last line (torn write)
	Cause     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	kind := "corrupted record"
	if e.Truncated {
		kind = "torn trailing record"
	}
	return fmt.Sprintf("wal: %s at offset=%d after seq=%d: %v", kind, e.Offset, e.Seq, e.Cause)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorruptedWAL, e.Cause}
}

// IsTornTail reports whether err is a torn trailing record, which an
// interrupted append leaves behind and is safe to discard
func IsTornTail(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce) && ce.Truncated
}
