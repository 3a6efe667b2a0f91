// ============================================================================
// Forge-Dispatch Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for fetching jobs and reporting results.
//
// The Pool never touches queue state directly. Everything goes through a
// JobSource, which in this repository is the jobqueue.Service.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// JobSource defines the interface for fetching jobs and reporting status.
type JobSource interface {
	// Poll claims at most max eligible jobs of the queue. It returns an empty
	// slice (not an error) when nothing is eligible.
	Poll(ctx context.Context, queue types.QueueName, max int) ([]Lease, error)

	// Progress records a progress report for the running attempt. It returns
	// an error once the attempt is no longer active (cancelled, timed out).
	Progress(ctx context.Context, lease Lease, p types.Progress) error

	// Acknowledge reports the execution result of an attempt. Results for
	// attempts that are no longer active are discarded by the source.
	Acknowledge(ctx context.Context, lease Lease, result Result) error
}
