package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// ============================================================================
// Test JobSource
// ============================================================================

// memSource is an in-memory JobSource backed by a slice of pending leases.
type memSource struct {
	mu       sync.Mutex
	pending  []Lease
	progress map[types.JobID][]types.Progress
	results  map[types.JobID]Result
	acked    chan Result
}

func newMemSource(jobs ...*types.Job) *memSource {
	s := &memSource{
		progress: make(map[types.JobID][]types.Progress),
		results:  make(map[types.JobID]Result),
		acked:    make(chan Result, 1024),
	}
	for _, job := range jobs {
		s.add(Lease{Job: job, Attempt: 1, Ctx: context.Background()})
	}
	return s
}

func (s *memSource) add(lease Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, lease)
}

func (s *memSource) Poll(ctx context.Context, queue types.QueueName, max int) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := max
	if n > len(s.pending) {
		n = len(s.pending)
	}
	out := s.pending[:n:n]
	s.pending = s.pending[n:]
	return out, nil
}

func (s *memSource) Progress(ctx context.Context, lease Lease, p types.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[lease.Job.ID] = append(s.progress[lease.Job.ID], p)
	return nil
}

func (s *memSource) Acknowledge(ctx context.Context, lease Lease, result Result) error {
	s.mu.Lock()
	s.results[lease.Job.ID] = result
	s.mu.Unlock()
	s.acked <- result
	return nil
}

func (s *memSource) waitResults(t *testing.T, n int) []Result {
	t.Helper()
	out := make([]Result, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case r := <-s.acked:
			out = append(out, r)
		case <-timeout:
			t.Fatalf("timed out waiting for results: got %d, want %d", len(out), n)
		}
	}
	return out
}

func testJob(id string) *types.Job {
	return &types.Job{ID: types.JobID(id), Queue: types.QueueAssetGeneration, Payload: map[string]any{"id": id}}
}

func startPool(t *testing.T, src JobSource, fn ProcessFunc, concurrency int) *Pool {
	t.Helper()
	pool := NewPool(src, fn, Config{
		Queue:        types.QueueAssetGeneration,
		Concurrency:  concurrency,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Close)
	return pool
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(newMemSource(), nil, Config{Queue: types.QueueNotifications})
	assert.Equal(t, 1, pool.Concurrency())
	assert.Equal(t, types.QueueNotifications, pool.Queue())
	assert.Equal(t, DefaultTimeout, pool.cfg.DefaultTimeout)
	assert.Equal(t, 0, pool.InFlight())
}

func TestPoolStart_Twice(t *testing.T) {
	pool := startPool(t, newMemSource(), nil, 1)
	assert.ErrorIs(t, pool.Start(), ErrPoolAlreadyStarted)

	pool.Close()
	pool.Close() // idempotent
}

func TestPoolStart_AfterClose(t *testing.T) {
	pool := NewPool(newMemSource(), nil, Config{})
	pool.Close()
	assert.ErrorIs(t, pool.Start(), ErrPoolClosed)
}

func TestWorkerExecution(t *testing.T) {
	const taskCount = 10
	jobs := make([]*types.Job, taskCount)
	for i := range jobs {
		jobs[i] = testJob(fmt.Sprintf("task-%d", i))
	}
	src := newMemSource(jobs...)

	startPool(t, src, func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
		return types.JobResult{Data: map[string]any{"echo": job.Payload["id"]}}, nil
	}, 1)

	results := src.waitResults(t, taskCount)
	for _, r := range results {
		assert.True(t, r.Success())
		assert.True(t, r.Output.Success)
		assert.Equal(t, string(r.JobID), r.Output.Data["echo"])
	}
}

func TestProgressIsForwardedInOrder(t *testing.T) {
	src := newMemSource(testJob("job"))
	startPool(t, src, func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
		for pct := 10; pct <= 90; pct += 20 {
			assert.NoError(t, r.Report(types.Progress{Percentage: pct}))
		}
		return types.JobResult{}, nil
	}, 1)

	src.waitResults(t, 1)
	src.mu.Lock()
	defer src.mu.Unlock()
	var got []int
	for _, p := range src.progress["job"] {
		got = append(got, p.Percentage)
	}
	assert.Equal(t, []int{10, 30, 50, 70, 90}, got)
}

// ============================================================================
// Failure Handling Tests
// ============================================================================

func TestTimeout_ProcessorIgnoresContext(t *testing.T) {
	src := newMemSource()
	src.add(Lease{Job: testJob("slow"), Attempt: 2, Ctx: context.Background(), Timeout: 20 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	startPool(t, src, func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
		<-release // never looks at ctx
		return types.JobResult{}, nil
	}, 1)

	result := src.waitResults(t, 1)[0]
	var timeout *TimeoutError
	require.ErrorAs(t, result.Err, &timeout)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.False(t, IsPermanent(result.Err))
	assert.False(t, result.Output.Success)
	assert.Equal(t, "timeout", result.Output.Metadata["error_type"])
	assert.Equal(t, 2, result.Attempt)
}

func TestFailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		fn        ProcessFunc
		wantKind  string
		permanent bool
	}{
		{
			name: "plain error",
			fn: func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
				return types.JobResult{}, errors.New("model unavailable")
			},
			wantKind: "error",
		},
		{
			name: "permanent error",
			fn: func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
				return types.JobResult{}, Permanent(errors.New("invalid payload"))
			},
			wantKind:  "permanent",
			permanent: true,
		},
		{
			name: "panic",
			fn: func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
				panic("nil pointer somewhere")
			},
			wantKind: "panic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newMemSource(testJob("job"))
			startPool(t, src, tt.fn, 1)

			result := src.waitResults(t, 1)[0]
			var exec *JobExecutionError
			require.ErrorAs(t, result.Err, &exec)
			assert.Equal(t, types.JobID("job"), exec.JobID)
			assert.Equal(t, tt.permanent, IsPermanent(result.Err))
			assert.Equal(t, tt.wantKind, result.Output.Metadata["error_type"])
			assert.NotEmpty(t, result.Output.Error)
		})
	}
}

func TestCancellationCause(t *testing.T) {
	jobCtx, cancel := context.WithCancelCause(context.Background())
	src := newMemSource()
	src.add(Lease{Job: testJob("job"), Attempt: 1, Ctx: jobCtx})

	started := make(chan struct{})
	var sawCancelled atomic.Bool
	startPool(t, src, func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
		close(started)
		<-ctx.Done()
		sawCancelled.Store(r.Cancelled())
		return types.JobResult{}, Checkpoint(ctx)
	}, 1)

	<-started
	cancel(ErrJobCancelled)

	result := src.waitResults(t, 1)[0]
	assert.ErrorIs(t, result.Err, ErrJobCancelled)
	assert.Equal(t, "cancelled", result.Output.Metadata["error_type"])
	assert.Eventually(t, sawCancelled.Load, time.Second, 5*time.Millisecond)
}

func TestCancelledIgnoresOtherCauses(t *testing.T) {
	shutdown := errors.New("service shutting down")
	tests := []struct {
		name    string
		cause   error
		timeout time.Duration
	}{
		{"forced shutdown", shutdown, time.Second},
		{"attempt timeout", nil, 20 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobCtx, cancel := context.WithCancelCause(context.Background())
			defer cancel(nil)
			src := newMemSource()
			src.add(Lease{Job: testJob("job"), Attempt: 1, Ctx: jobCtx, Timeout: tt.timeout})

			started := make(chan struct{})
			seen := make(chan bool, 1)
			startPool(t, src, func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
				close(started)
				<-ctx.Done()
				seen <- r.Cancelled()
				return types.JobResult{}, ctx.Err()
			}, 1)

			<-started
			if tt.cause != nil {
				cancel(tt.cause)
			}
			select {
			case got := <-seen:
				assert.False(t, got)
			case <-time.After(5 * time.Second):
				t.Fatal("processing function never observed cancellation")
			}
			src.waitResults(t, 1)
		})
	}
}

func TestCheckpoint(t *testing.T) {
	assert.NoError(t, Checkpoint(context.Background()))

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrJobCancelled)
	assert.ErrorIs(t, Checkpoint(ctx), ErrJobCancelled)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrencyLimit(t *testing.T) {
	const (
		concurrency = 3
		taskCount   = 30
	)
	jobs := make([]*types.Job, taskCount)
	for i := range jobs {
		jobs[i] = testJob(fmt.Sprintf("job-%d", i))
	}
	src := newMemSource(jobs...)

	var running, peak atomic.Int32
	startPool(t, src, func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return types.JobResult{}, nil
	}, concurrency)

	src.waitResults(t, taskCount)
	assert.LessOrEqual(t, peak.Load(), int32(concurrency))
	assert.Equal(t, int32(concurrency), peak.Load(), "pool should use all slots")
}

func TestCloseAndWait(t *testing.T) {
	src := newMemSource(testJob("a"), testJob("b"))
	release := make(chan struct{})
	pool := startPool(t, src, func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error) {
		<-release
		return types.JobResult{}, nil
	}, 2)

	require.Eventually(t, func() bool { return pool.InFlight() == 2 }, time.Second, 5*time.Millisecond)
	pool.Close()

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Wait(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Wait(context.Background()))
	assert.Equal(t, 0, pool.InFlight())

	// nothing is dispatched after Close
	src.add(Lease{Job: testJob("c"), Attempt: 1, Ctx: context.Background()})
	pool.Wake()
	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Len(t, src.pending, 1)
}
