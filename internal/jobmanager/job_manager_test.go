package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/forge-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestJobManager creates a test JobManager on a fake clock
func newTestJobManager() (*JobManager, *fakeClock) {
	clock := newFakeClock()
	return NewJobManager(types.QueueAssetGeneration, WithClock(clock.Now)), clock
}

// newTestJob creates a test Job
func newTestJob(id string) *types.Job {
	return &types.Job{
		ID:              types.JobID(id),
		Payload:         map[string]any{"test": "data"},
		AttemptsAllowed: 3,
		Backoff:         types.BackoffPolicy{Kind: types.BackoffExponential, Delay: 2 * time.Second},
	}
}

func mustEnqueue(t *testing.T, jm *JobManager, job *types.Job) *types.Job {
	t.Helper()
	out, err := jm.Enqueue(job)
	if err != nil {
		t.Fatalf("enqueue %s: %v", job.ID, err)
	}
	return out
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, jm *JobManager, jobID types.JobID, want types.JobStatus) {
	t.Helper()
	job, err := jm.Get(jobID)
	if err != nil {
		t.Errorf("job %s not found", jobID)
		return
	}
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", jobID, job.Status, want)
	}
}

func ids(jobs []*types.Job) []types.JobID {
	out := make([]types.JobID, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm, _ := newTestJobManager()

	stats := jm.Stats()
	if stats != (types.QueueStats{Queue: types.QueueAssetGeneration}) {
		t.Errorf("unexpected initial stats: %+v", stats)
	}
}

func TestEnqueue(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*JobManager)
		job        *types.Job
		wantErr    error
		wantStatus types.JobStatus
	}{
		{
			name:       "Normal single job enqueue",
			setup:      func(jm *JobManager) {},
			job:        newTestJob("task-001"),
			wantStatus: types.StatusWaiting,
		},
		{
			name:    "Duplicate job ID",
			setup:   func(jm *JobManager) { jm.Enqueue(newTestJob("task-001")) },
			job:     newTestJob("task-001"),
			wantErr: ErrDuplicateJob,
		},
		{
			name:  "Delayed job",
			setup: func(jm *JobManager) {},
			job: func() *types.Job {
				j := newTestJob("task-002")
				j.RunAt = newFakeClock().Now().Add(time.Minute)
				return j
			}(),
			wantStatus: types.StatusDelayed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm, _ := newTestJobManager()
			tt.setup(jm)

			out, err := jm.Enqueue(tt.job)
			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			assertNoError(t, err)
			if out.Status != tt.wantStatus {
				t.Errorf("status: got %s, want %s", out.Status, tt.wantStatus)
			}
			if out.Queue != types.QueueAssetGeneration {
				t.Errorf("queue not stamped: %q", out.Queue)
			}
		})
	}
}

func TestEnqueue_CopiesPayload(t *testing.T) {
	jm, _ := newTestJobManager()
	job := newTestJob("task-001")
	mustEnqueue(t, jm, job)

	job.Payload["test"] = "mutated"
	stored, _ := jm.Get("task-001")
	if stored.Payload["test"] != "data" {
		t.Errorf("caller mutation leaked into stored payload")
	}

	stored.Payload["test"] = "mutated again"
	again, _ := jm.Get("task-001")
	if again.Payload["test"] != "data" {
		t.Errorf("returned copy shares state with stored job")
	}
}

func TestAcquire_PriorityThenFIFO(t *testing.T) {
	jm, _ := newTestJobManager()

	for i, prio := range []int{0, 5, 0, 5, 1} {
		job := newTestJob(fmt.Sprintf("job-%d", i))
		job.Priority = prio
		mustEnqueue(t, jm, job)
	}

	got := ids(jm.Acquire(10))
	want := []types.JobID{"job-1", "job-3", "job-4", "job-0", "job-2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order: got %v, want %v", got, want)
	}
}

func TestAcquire_RespectsMax(t *testing.T) {
	jm, _ := newTestJobManager()
	for i := 0; i < 5; i++ {
		mustEnqueue(t, jm, newTestJob(fmt.Sprintf("job-%d", i)))
	}

	first := jm.Acquire(2)
	if len(first) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(first))
	}
	for _, job := range first {
		if job.AttemptsMade != 1 {
			t.Errorf("attempt not incremented for %s", job.ID)
		}
		assertJobStatus(t, jm, job.ID, types.StatusActive)
	}

	stats := jm.Stats()
	if stats.Active != 2 || stats.Waiting != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if jm.Acquire(0) != nil {
		t.Errorf("Acquire(0) should return nil")
	}
}

func TestAcquire_DelayedBecomesEligible(t *testing.T) {
	jm, clock := newTestJobManager()
	job := newTestJob("later")
	job.RunAt = clock.Now().Add(10 * time.Second)
	mustEnqueue(t, jm, job)

	if got := jm.Acquire(1); len(got) != 0 {
		t.Fatalf("delayed job dispatched early")
	}
	next, ok := jm.NextRunAt()
	if !ok || !next.Equal(job.RunAt) {
		t.Errorf("NextRunAt: got %v %v", next, ok)
	}

	clock.Advance(10 * time.Second)
	got := jm.Acquire(1)
	if len(got) != 1 || got[0].ID != "later" {
		t.Fatalf("delayed job not dispatched after delay: %v", ids(got))
	}
}

func TestUpdateProgress(t *testing.T) {
	jm, _ := newTestJobManager()
	mustEnqueue(t, jm, newTestJob("job"))
	jm.Acquire(1)

	steps := []struct {
		in   int
		want int
	}{
		{10, 10},
		{5, 10},   // never decreases
		{50, 50},
		{100, 99}, // 100 is reserved for completion
		{-3, 99},
	}
	for _, s := range steps {
		got, err := jm.UpdateProgress("job", 1, types.Progress{Percentage: s.in, Stage: "generating"})
		assertNoError(t, err)
		if got.Percentage != s.want {
			t.Errorf("progress %d: got %d, want %d", s.in, got.Percentage, s.want)
		}
	}

	_, err := jm.UpdateProgress("job", 2, types.Progress{Percentage: 99})
	assertError(t, err, ErrStaleAttempt)
	_, err = jm.UpdateProgress("missing", 1, types.Progress{})
	assertError(t, err, ErrJobNotFound)
}

func TestComplete(t *testing.T) {
	jm, _ := newTestJobManager()
	mustEnqueue(t, jm, newTestJob("job"))
	jm.Acquire(1)
	jm.UpdateProgress("job", 1, types.Progress{Percentage: 40})

	out, err := jm.Complete("job", 1, &types.JobResult{Data: map[string]any{"assets": []any{"a"}}})
	assertNoError(t, err)
	if out.Status != types.StatusCompleted || out.Progress.Percentage != 100 {
		t.Errorf("unexpected job after complete: %+v", out)
	}
	if out.Result == nil || !out.Result.Success {
		t.Errorf("result should be marked successful")
	}

	_, err = jm.Complete("job", 1, nil)
	assertError(t, err, ErrNotActive)
}

func TestFail_RetryWithExponentialBackoff(t *testing.T) {
	jm, clock := newTestJobManager()
	mustEnqueue(t, jm, newTestJob("job"))

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		got := jm.Acquire(1)
		if len(got) != 1 {
			t.Fatalf("attempt %d: job not eligible", attempt)
		}
		outcome, err := jm.Fail("job", attempt, "boom", false)
		assertNoError(t, err)

		if attempt < 3 {
			if !outcome.Retrying || outcome.Delay != wantDelays[attempt-1] {
				t.Fatalf("attempt %d: got retrying=%v delay=%v", attempt, outcome.Retrying, outcome.Delay)
			}
			assertJobStatus(t, jm, "job", types.StatusWaiting)

			// not eligible before the backoff elapses
			clock.Advance(outcome.Delay - time.Millisecond)
			if len(jm.Acquire(1)) != 0 {
				t.Fatalf("attempt %d: dispatched before backoff elapsed", attempt)
			}
			clock.Advance(time.Millisecond)
			continue
		}

		if outcome.Retrying {
			t.Fatalf("final attempt should not retry")
		}
		if outcome.Job.FailureReason != "boom" || outcome.Job.AttemptsMade != 3 {
			t.Errorf("unexpected failed job: %+v", outcome.Job)
		}
	}
	assertJobStatus(t, jm, "job", types.StatusFailed)
}

func TestFail_Permanent(t *testing.T) {
	jm, _ := newTestJobManager()
	mustEnqueue(t, jm, newTestJob("job"))
	jm.Acquire(1)

	outcome, err := jm.Fail("job", 1, "invalid payload", true)
	assertNoError(t, err)
	if outcome.Retrying {
		t.Errorf("permanent failure must not retry")
	}
	assertJobStatus(t, jm, "job", types.StatusFailed)
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name        string
		prepare     func(*JobManager, *fakeClock)
		wantPrev    types.JobStatus
		wantChanged bool
		wantStatus  types.JobStatus
	}{
		{
			name:        "waiting",
			prepare:     func(jm *JobManager, _ *fakeClock) {},
			wantPrev:    types.StatusWaiting,
			wantChanged: true,
			wantStatus:  types.StatusCancelled,
		},
		{
			name: "active",
			prepare: func(jm *JobManager, _ *fakeClock) {
				jm.Acquire(1)
			},
			wantPrev:    types.StatusActive,
			wantChanged: true,
			wantStatus:  types.StatusCancelled,
		},
		{
			name: "completed is a no-op",
			prepare: func(jm *JobManager, _ *fakeClock) {
				jm.Acquire(1)
				jm.Complete("job", 1, nil)
			},
			wantPrev:    types.StatusCompleted,
			wantChanged: false,
			wantStatus:  types.StatusCompleted,
		},
		{
			name: "cancelled is a no-op",
			prepare: func(jm *JobManager, _ *fakeClock) {
				jm.Cancel("job")
			},
			wantPrev:    types.StatusCancelled,
			wantChanged: false,
			wantStatus:  types.StatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm, clock := newTestJobManager()
			mustEnqueue(t, jm, newTestJob("job"))
			tt.prepare(jm, clock)

			prev, changed, err := jm.Cancel("job")
			assertNoError(t, err)
			if prev != tt.wantPrev || changed != tt.wantChanged {
				t.Errorf("got prev=%s changed=%v", prev, changed)
			}
			assertJobStatus(t, jm, "job", tt.wantStatus)
		})
	}
}

func TestCancel_LateResultIsDiscarded(t *testing.T) {
	jm, _ := newTestJobManager()
	mustEnqueue(t, jm, newTestJob("job"))
	jm.Acquire(1)
	jm.Cancel("job")

	_, err := jm.Complete("job", 1, &types.JobResult{Success: true})
	assertError(t, err, ErrNotActive)
	_, err = jm.Fail("job", 1, "late", false)
	assertError(t, err, ErrNotActive)
	assertJobStatus(t, jm, "job", types.StatusCancelled)

	if len(jm.Acquire(1)) != 0 {
		t.Errorf("cancelled job must never be dispatched")
	}
}

func TestCancel_NotFound(t *testing.T) {
	jm, _ := newTestJobManager()
	_, _, err := jm.Cancel("ghost")
	assertError(t, err, ErrJobNotFound)
}

func TestClean_OnlyOldTerminalJobs(t *testing.T) {
	jm, clock := newTestJobManager()
	for _, id := range []string{"done-old", "failed-old", "cancelled-old", "done-new", "still-waiting"} {
		job := newTestJob(id)
		job.AttemptsAllowed = 1
		mustEnqueue(t, jm, job)
	}

	jm.Acquire(2) // done-old, failed-old
	jm.Complete("done-old", 1, nil)
	jm.Fail("failed-old", 1, "x", false)
	jm.Cancel("cancelled-old")

	clock.Advance(2 * time.Hour)
	jm.Acquire(1) // done-new
	jm.Complete("done-new", 1, nil)

	removed := jm.Clean(time.Hour)
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", removed)
	}
	for _, id := range []types.JobID{"done-old", "failed-old"} {
		if _, err := jm.Get(id); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("%s should be removed", id)
		}
	}
	for _, id := range []types.JobID{"cancelled-old", "still-waiting", "done-new"} {
		if _, err := jm.Get(id); err != nil {
			t.Errorf("%s should survive clean: %v", id, err)
		}
	}
}

func TestRetentionCap(t *testing.T) {
	jm, clock := newTestJobManager()
	for i := 0; i < 4; i++ {
		job := newTestJob(fmt.Sprintf("job-%d", i))
		job.KeepCompleted = 2
		mustEnqueue(t, jm, job)
	}
	for i := 0; i < 4; i++ {
		got := jm.Acquire(1)
		clock.Advance(time.Second)
		jm.Complete(got[0].ID, 1, nil)
	}

	stats := jm.Stats()
	if stats.Completed != 2 || stats.Total != 2 {
		t.Errorf("retention cap not applied: %+v", stats)
	}
	if _, err := jm.Get("job-0"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("oldest completed job should be dropped first")
	}
}

func TestCancelledRetentionCap(t *testing.T) {
	tests := []struct {
		name string
		keep int
		want int
	}{
		{"explicit cap", 3, 3},
		{"unset cap falls back to default", 0, DefaultKeepCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm, clock := newTestJobManager()
			n := tt.want + 5
			for i := 0; i < n; i++ {
				job := newTestJob(fmt.Sprintf("job-%d", i))
				job.KeepFailed = 0
				job.KeepCancelled = tt.keep
				mustEnqueue(t, jm, job)
			}
			for i := 0; i < n; i++ {
				clock.Advance(time.Second)
				jm.Cancel(types.JobID(fmt.Sprintf("job-%d", i)))
			}

			stats := jm.Stats()
			if stats.Cancelled != tt.want {
				t.Errorf("expected %d cancelled jobs kept, got %d", tt.want, stats.Cancelled)
			}
			if _, err := jm.Get("job-0"); !errors.Is(err, ErrJobNotFound) {
				t.Errorf("oldest cancelled job should be dropped first")
			}
		})
	}
}

func TestOutstandingFor(t *testing.T) {
	jm, _ := newTestJobManager()
	owners := map[string]string{"a-1": "alice", "a-2": "alice", "a-3": "alice", "b-1": "bob"}
	for _, id := range []string{"a-1", "a-2", "a-3", "b-1"} {
		job := newTestJob(id)
		job.Payload = map[string]any{"user_id": owners[id]}
		mustEnqueue(t, jm, job)
	}
	mustEnqueue(t, jm, newTestJob("anonymous"))

	jm.Acquire(1) // a-1 becomes active and still counts
	jm.Cancel("a-2")

	tests := []struct {
		user string
		want int
	}{
		{"alice", 2},
		{"bob", 1},
		{"carol", 0},
	}
	for _, tt := range tests {
		if got := jm.OutstandingFor(tt.user); got != tt.want {
			t.Errorf("OutstandingFor(%q) = %d, want %d", tt.user, got, tt.want)
		}
	}
}

func TestStats_SumsToTotal(t *testing.T) {
	jm, _ := newTestJobManager()
	for i := 0; i < 5; i++ {
		mustEnqueue(t, jm, newTestJob(fmt.Sprintf("job-%d", i)))
	}
	for _, job := range jm.Acquire(2) {
		jm.Complete(job.ID, 1, nil)
	}

	stats := jm.Stats()
	want := types.QueueStats{Queue: types.QueueAssetGeneration, Waiting: 3, Completed: 2, Total: 5}
	if stats != want {
		t.Errorf("got %+v, want %+v", stats, want)
	}
	sum := stats.Waiting + stats.Delayed + stats.Active + stats.Completed + stats.Failed + stats.Cancelled
	if sum != stats.Total {
		t.Errorf("per-status counts %d do not add up to total %d", sum, stats.Total)
	}
}

func TestJournalReceivesTransitions(t *testing.T) {
	var events []wal.EventType
	jm := NewJobManager(types.QueueNotifications, WithJournal(func(e wal.EventType, job *types.Job) {
		events = append(events, e)
	}))

	job := newTestJob("job")
	job.KeepCompleted = 1
	mustEnqueue(t, jm, job)
	mustEnqueue(t, jm, func() *types.Job { j := newTestJob("job-2"); j.KeepCompleted = 1; return j }())
	jm.Acquire(2)
	jm.Complete("job", 1, nil)
	jm.Complete("job-2", 1, nil)

	want := []wal.EventType{
		wal.EventEnqueue, wal.EventEnqueue,
		wal.EventActivate, wal.EventActivate,
		wal.EventComplete, wal.EventComplete, wal.EventRemove,
	}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("journal: got %v, want %v", events, want)
	}
}

func TestSnapshotRestore(t *testing.T) {
	jm, _ := newTestJobManager()
	for i := 0; i < 3; i++ {
		job := newTestJob(fmt.Sprintf("job-%d", i))
		job.Priority = i
		mustEnqueue(t, jm, job)
	}
	jm.Acquire(1) // job-2 (highest priority)

	snap := jm.Snapshot()
	restored, _ := newTestJobManager()
	restored.Restore(snap)

	if restored.Stats() != jm.Stats() {
		t.Errorf("stats differ after restore: %+v vs %+v", restored.Stats(), jm.Stats())
	}

	requeued, failed := restored.RecoverInterrupted("interrupted")
	if requeued != 1 || failed != 0 {
		t.Errorf("recover: requeued=%d failed=%d", requeued, failed)
	}
	got := ids(restored.Acquire(3))
	want := []types.JobID{"job-2", "job-1", "job-0"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order after restore: got %v, want %v", got, want)
	}

	// new jobs continue the sequence
	out := mustEnqueue(t, restored, newTestJob("job-3"))
	if out.Seq != 4 {
		t.Errorf("seq after restore: got %d, want 4", out.Seq)
	}
}

func TestRecoverInterrupted_ExhaustedAttemptsFail(t *testing.T) {
	jm, _ := newTestJobManager()
	job := newTestJob("job")
	job.AttemptsAllowed = 1
	mustEnqueue(t, jm, job)
	jm.Acquire(1)

	requeued, failed := jm.RecoverInterrupted("process restarted")
	if requeued != 0 || failed != 1 {
		t.Errorf("requeued=%d failed=%d", requeued, failed)
	}
	assertJobStatus(t, jm, "job", types.StatusFailed)
}

func TestUpsertAndRemove(t *testing.T) {
	jm, _ := newTestJobManager()
	job := mustEnqueue(t, jm, newTestJob("job"))

	job.Status = types.StatusCompleted
	jm.Upsert(job)
	assertJobStatus(t, jm, "job", types.StatusCompleted)
	if s := jm.Stats(); s.Waiting != 0 || s.Completed != 1 {
		t.Errorf("indexes not updated by upsert: %+v", s)
	}

	if !jm.Remove("job") {
		t.Errorf("remove should report true")
	}
	if jm.Remove("job") {
		t.Errorf("second remove should report false")
	}
}

func TestConcurrentAcquireNeverDoubleDispatches(t *testing.T) {
	jm := NewJobManager(types.QueueAssetGeneration)
	const total = 200
	for i := 0; i < total; i++ {
		mustEnqueue(t, jm, newTestJob(fmt.Sprintf("job-%d", i)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[types.JobID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got := jm.Acquire(3)
				if len(got) == 0 {
					return
				}
				mu.Lock()
				for _, job := range got {
					seen[job.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("dispatched %d distinct jobs, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s dispatched %d times", id, n)
		}
	}
}
