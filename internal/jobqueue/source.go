package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/forge-dispatch/internal/deadletter"
	"github.com/ChuLiYu/forge-dispatch/internal/events"
	"github.com/ChuLiYu/forge-dispatch/internal/worker"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// ============================================================================
// worker.JobSource 實作
// ============================================================================

// Poll implements worker.JobSource.Poll.
// It claims up to max eligible jobs and gives each attempt its own
// cancellable context.
func (s *Service) Poll(ctx context.Context, queue types.QueueName, max int) ([]worker.Lease, error) {
	qs, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	if s.isShuttingDown() {
		return nil, nil
	}

	qs.mu.Lock()
	jobs := qs.jobs.Acquire(max)
	leases := make([]worker.Lease, 0, len(jobs))
	for _, job := range jobs {
		jobCtx, cancel := context.WithCancelCause(s.baseCtx)
		qs.running[job.ID] = running{attempt: job.AttemptsMade, cancel: cancel}
		leases = append(leases, worker.Lease{
			Job:     job,
			Attempt: job.AttemptsMade,
			Ctx:     jobCtx,
			Timeout: job.Timeout,
		})
	}
	qs.mu.Unlock()

	if len(leases) > 0 {
		s.metrics.RecordStarted(queue, len(leases))
		s.observe(qs)
		for _, lease := range leases {
			s.log.Debug("Job started", "queue", queue, "jobID", lease.Job.ID, "attempt", lease.Attempt)
		}
	}
	return leases, nil
}

// Progress implements worker.JobSource.Progress.
func (s *Service) Progress(ctx context.Context, lease worker.Lease, p types.Progress) error {
	qs, err := s.queue(lease.Job.Queue)
	if err != nil {
		return err
	}
	stored, err := qs.jobs.UpdateProgress(lease.Job.ID, lease.Attempt, p)
	if err != nil {
		return err
	}

	job := lease.Job.Clone()
	job.Progress = stored
	job.AttemptsMade = lease.Attempt
	s.publish(events.TypeProgress, job, nil)
	return nil
}

// Acknowledge implements worker.JobSource.Acknowledge.
//
// 結果處理：
//   - 成功 → completed
//   - ErrJobCancelled → 任務已是 cancelled，丟棄
//   - 強制關閉造成的中斷 → 保持 active，下次啟動時由恢復流程重新排隊
//   - 其他錯誤 → 依剩餘次數與是否永久錯誤重試或 failed
func (s *Service) Acknowledge(ctx context.Context, lease worker.Lease, result worker.Result) error {
	qs, err := s.queue(lease.Job.Queue)
	if err != nil {
		return err
	}
	id := lease.Job.ID

	qs.mu.Lock()
	if r, ok := qs.running[id]; ok && r.attempt == lease.Attempt {
		r.cancel(nil)
		delete(qs.running, id)
	}
	qs.mu.Unlock()

	switch {
	case result.Err == nil:
		out := result.Output
		job, err := qs.jobs.Complete(id, lease.Attempt, &out)
		if err != nil {
			return err
		}
		s.metrics.RecordCompleted(job.Queue, result.Duration)
		s.observe(qs)
		s.publish(events.TypeCompleted, job, nil)
		s.log.Info("Job completed", "queue", job.Queue, "jobID", id, "attempt", lease.Attempt, "duration", result.Duration)
		return nil

	case errors.Is(result.Err, worker.ErrJobCancelled):
		return nil

	case isShutdownCause(result.Err):
		s.log.Warn("Job interrupted by shutdown", "queue", lease.Job.Queue, "jobID", id)
		return nil
	}

	var timeout *worker.TimeoutError
	if errors.As(result.Err, &timeout) {
		s.metrics.RecordTimeout(lease.Job.Queue)
	}

	outcome, err := qs.jobs.Fail(id, lease.Attempt, result.Err.Error(), worker.IsPermanent(result.Err))
	if err != nil {
		return err
	}
	s.observe(qs)

	if outcome.Retrying {
		s.metrics.RecordRetry(outcome.Job.Queue, result.Duration)
		s.publish(events.TypeRetrying, outcome.Job, result.Err)
		s.log.Warn("Job failed, retrying",
			"queue", outcome.Job.Queue,
			"jobID", id,
			"attempt", lease.Attempt,
			"delay", outcome.Delay,
			"error", result.Err)
		s.wakeAfter(qs, outcome.Delay)
		return nil
	}

	s.metrics.RecordFailed(outcome.Job.Queue, result.Duration)
	if s.dead != nil {
		s.dead.Add(deadletter.FromJob(outcome.Job))
	}
	s.publish(events.TypeFailed, outcome.Job, result.Err)
	s.log.Error("Job failed",
		"queue", outcome.Job.Queue,
		"jobID", id,
		"attempts", outcome.Job.AttemptsMade,
		"error", result.Err)
	return nil
}

// wakeAfter nudges the queue's pool once a retry backoff elapses.
func (s *Service) wakeAfter(qs *queueState, delay time.Duration) {
	qs.mu.Lock()
	pool := qs.pool
	qs.mu.Unlock()
	if pool == nil {
		return
	}
	if delay <= 0 {
		pool.Wake()
		return
	}
	time.AfterFunc(delay, pool.Wake)
}
