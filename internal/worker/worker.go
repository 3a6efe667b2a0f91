// ============================================================================
// Forge-Dispatch Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs a single leased attempt in its own goroutine
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  attempt goroutine                       │
//   │   ├─ ctx = WithTimeout(lease.Ctx, t)     │
//   │   ├─ go fn(ctx, job, reporter) ──┐       │
//   │   ├─ select done / ctx.Done()  ◀─┘       │
//   │   └─ Acknowledge(result)                 │
//   └──────────────────────────────────────────┘
//
// Timeout Control:
//   The processing function runs in a nested goroutine. When the deadline
//   passes, the attempt stops waiting and reports a TimeoutError even if the
//   function ignores its context. The abandoned goroutine keeps running until
//   it returns; its result is dropped.
//
// Error Handling:
//   - Timeout: TimeoutError (retry-eligible)
//   - Cancellation: the lease context cause (ErrJobCancelled)
//   - Error / panic: JobExecutionError, permanent when wrapped with Permanent
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// attempt is one leased execution.
type attempt struct {
	pool  *Pool
	lease Lease
}

// reporter forwards progress through the pool's JobSource.
type reporter struct {
	ctx   context.Context
	pool  *Pool
	lease Lease
}

func (r *reporter) Report(p types.Progress) error {
	return r.pool.source.Progress(r.ctx, r.lease, p)
}

func (r *reporter) Cancelled() bool {
	if r.lease.Ctx == nil || r.lease.Ctx.Err() == nil {
		return false
	}
	return errors.Is(context.Cause(r.lease.Ctx), ErrJobCancelled)
}

// run executes the attempt and returns its result. It never panics.
func (a *attempt) run() Result {
	start := time.Now()
	job := a.lease.Job

	timeout := a.lease.Timeout
	if timeout <= 0 {
		timeout = a.pool.cfg.DefaultTimeout
	}
	base := a.lease.Ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	rep := &reporter{ctx: ctx, pool: a.pool, lease: a.lease}
	output, err := a.execute(ctx, rep, timeout)

	result := Result{
		JobID:    job.ID,
		Attempt:  a.lease.Attempt,
		Output:   output,
		Err:      err,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Output = types.JobResult{
			Success: false,
			Error:   err.Error(),
			Metadata: map[string]any{
				"error_type":  errorKind(err),
				"attempt":     a.lease.Attempt,
				"duration_ms": result.Duration.Milliseconds(),
			},
		}
	} else {
		result.Output.Success = true
	}
	return result
}

type outcome struct {
	out types.JobResult
	err error
}

// execute 執行處理函式並監控 context
func (a *attempt) execute(ctx context.Context, rep Reporter, timeout time.Duration) (types.JobResult, error) {
	job := a.lease.Job
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &JobExecutionError{
					JobID:   job.ID,
					Attempt: a.lease.Attempt,
					Panic:   true,
					Err:     fmt.Errorf("%v", r),
				}}
			}
		}()
		out, err := a.pool.fn(ctx, job.Clone(), rep)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.out, nil
		}
		return types.JobResult{}, a.classify(ctx, o.err, timeout)

	case <-ctx.Done():
		return types.JobResult{}, a.classify(ctx, context.Cause(ctx), timeout)
	}
}

// classify maps a raw failure onto the worker error types.
func (a *attempt) classify(ctx context.Context, err error, timeout time.Duration) error {
	job := a.lease.Job

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrJobCancelled) {
			return ErrJobCancelled
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			return &TimeoutError{JobID: job.ID, Timeout: timeout}
		}
		// 其他原因（例如服務強制關閉）保留給 JobSource 判斷
		if cause != nil && !errors.Is(cause, context.Canceled) {
			return &JobExecutionError{JobID: job.ID, Attempt: a.lease.Attempt, Err: cause}
		}
	}

	var exec *JobExecutionError
	if errors.As(err, &exec) {
		return err
	}
	// Permanent errors stay detectable through Unwrap.
	return &JobExecutionError{JobID: job.ID, Attempt: a.lease.Attempt, Err: err}
}
