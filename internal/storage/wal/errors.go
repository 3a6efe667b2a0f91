package wal

// ============================================================================
// WAL 錯誤
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch is matched by every *ChecksumError.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL is returned by ReadAll when the log holds no events.
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed is returned by operations on a closed log.
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError reports a record whose CRC32 does not match its content.
// Recovery refuses to continue past it.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError reports an unparseable record. Seq is the last good
// sequence number and Offset where the bad record starts, so the caller can
// truncate a torn tail.
type CorruptionError struct {
	Seq    uint64
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record after seq=%d (offset %d): %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
