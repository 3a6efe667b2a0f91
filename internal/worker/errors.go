package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉，不再派發任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolAlreadyStarted 表示 Start 被重複呼叫
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrJobCancelled 是任務被取消時 lease context 的 cause
	ErrJobCancelled = errors.New("job cancelled")
)

// JobExecutionError wraps an error returned (or a panic raised) by a
// processing function.
type JobExecutionError struct {
	JobID   types.JobID
	Attempt int
	Panic   bool
	Err     error
}

func (e *JobExecutionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("job %s attempt %d panicked: %v", e.JobID, e.Attempt, e.Err)
	}
	return fmt.Sprintf("job %s attempt %d failed: %v", e.JobID, e.Attempt, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// TimeoutError is reported when an attempt exceeds its hard timeout. It is
// retry-eligible.
type TimeoutError struct {
	JobID   types.JobID
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after %s", e.JobID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue fails the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// errorKind classifies a failure for result metadata.
func errorKind(err error) string {
	var (
		timeout *TimeoutError
		exec    *JobExecutionError
	)
	switch {
	case errors.Is(err, ErrJobCancelled):
		return "cancelled"
	case errors.As(err, &timeout):
		return "timeout"
	case IsPermanent(err):
		return "permanent"
	case errors.As(err, &exec) && exec.Panic:
		return "panic"
	default:
		return "error"
	}
}
