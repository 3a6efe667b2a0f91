package jobqueue

import (
	"time"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// 預設值
const (
	DefaultMaxQueued        = 1000
	DefaultShutdownGrace    = 30 * time.Second
	DefaultSnapshotInterval = 30 * time.Second
	DefaultCleanMaxAge      = 24 * time.Hour
)

// DefaultQueueConfigs returns the built-in definition of every queue kind.
// Style pack training is not idempotent and therefore gets a single attempt.
func DefaultQueueConfigs() []types.QueueConfig {
	exp := func(d time.Duration) types.BackoffPolicy {
		return types.BackoffPolicy{Kind: types.BackoffExponential, Delay: d}
	}
	return []types.QueueConfig{
		{
			Name:          types.QueueAssetGeneration,
			Concurrency:   4,
			Attempts:      3,
			Backoff:       exp(2 * time.Second),
			Timeout:       300 * time.Second,
			KeepCompleted: 500,
			KeepFailed:    1000,
		},
		{
			Name:          types.QueueStylePackTraining,
			Concurrency:   1,
			Attempts:      1,
			Backoff:       exp(5 * time.Second),
			Timeout:       30 * time.Minute,
			KeepCompleted: 100,
			KeepFailed:    100,
		},
		{
			Name:          types.QueuePostProcessing,
			Concurrency:   4,
			Attempts:      3,
			Backoff:       exp(2 * time.Second),
			Timeout:       120 * time.Second,
			KeepCompleted: 500,
			KeepFailed:    1000,
		},
		{
			Name:          types.QueueNotifications,
			Concurrency:   8,
			Attempts:      5,
			Backoff:       types.BackoffPolicy{Kind: types.BackoffFixed, Delay: time.Second},
			Timeout:       30 * time.Second,
			KeepCompleted: 200,
			KeepFailed:    500,
		},
		{
			Name:          types.QueueCodeScaffold,
			Concurrency:   2,
			Attempts:      3,
			Backoff:       exp(2 * time.Second),
			Timeout:       120 * time.Second,
			KeepCompleted: 200,
			KeepFailed:    500,
		},
		{
			Name:          types.QueueDocSummary,
			Concurrency:   2,
			Attempts:      3,
			Backoff:       exp(2 * time.Second),
			Timeout:       120 * time.Second,
			KeepCompleted: 200,
			KeepFailed:    500,
		},
	}
}

// buildJob applies per-job options over the queue defaults.
func buildJob(id types.JobID, cfg types.QueueConfig, payload map[string]any, opts types.JobOptions, now time.Time) *types.Job {
	job := &types.Job{
		ID:              id,
		Queue:           cfg.Name,
		Payload:         payload,
		AttemptsAllowed: cfg.Attempts,
		Backoff:         cfg.Backoff,
		Timeout:         cfg.Timeout,
		KeepCompleted:   cfg.KeepCompleted,
		KeepFailed:      cfg.KeepFailed,
		KeepCancelled:   cfg.KeepCancelled,
		Priority:        opts.Priority,
		CreatedAt:       now,
		RunAt:           now,
	}
	if opts.Attempts > 0 {
		job.AttemptsAllowed = opts.Attempts
	}
	if job.AttemptsAllowed <= 0 {
		job.AttemptsAllowed = 1
	}
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
	}
	if opts.Timeout > 0 {
		job.Timeout = opts.Timeout
	}
	if opts.KeepCompleted > 0 {
		job.KeepCompleted = opts.KeepCompleted
	}
	if opts.KeepFailed > 0 {
		job.KeepFailed = opts.KeepFailed
	}
	if opts.KeepCancelled > 0 {
		job.KeepCancelled = opts.KeepCancelled
	}
	if opts.Delay > 0 {
		job.RunAt = now.Add(opts.Delay)
	}
	return job
}
