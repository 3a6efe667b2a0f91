// ============================================================================
// Forge-Dispatch Performance Tests
// ============================================================================
//
// TestSystemThroughput:
//   - 500 jobs, 8 workers, 10% permanent failures
//   - every job must end completed or failed (zero loss)
//
// TestRecoveryPerformance:
//   - 500 jobs, half in the snapshot, half only in the WAL
//   - abandon the service (crash), reopen, measure New()
//   - target: < 3 seconds recovery time
//
// Benchmarks measure Enqueue with and without the WAL.
//
// ============================================================================

package jobqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forge-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/forge-dispatch/internal/worker"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

const loadJobs = 500

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	svc := createTestService(t, func(c *Config) { c.MaxQueued = loadJobs })
	cleanup(t, svc)

	require.NoError(t, svc.RegisterWorker(types.QueueAssetGeneration,
		func(ctx context.Context, job *types.Job, r worker.Reporter) (types.JobResult, error) {
			// payloads are JSON-shaped, numbers arrive as float64
			if i, _ := job.Payload["index"].(float64); int(i)%10 == 0 {
				return types.JobResult{}, worker.Permanent(errors.New("simulated failure"))
			}
			return types.JobResult{Data: map[string]any{"index": job.Payload["index"]}}, nil
		}, 8))
	require.NoError(t, svc.Start())

	start := time.Now()
	for i := 0; i < loadJobs; i++ {
		_, err := svc.Enqueue(types.QueueAssetGeneration, map[string]any{"index": i}, types.JobOptions{})
		require.NoError(t, err)
	}

	var stats types.QueueStats
	require.Eventually(t, func() bool {
		stats, _ = svc.Stats(types.QueueAssetGeneration)
		return stats.Completed+stats.Failed == loadJobs
	}, 30*time.Second, 20*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, loadJobs/10, stats.Failed)
	assert.Equal(t, loadJobs-loadJobs/10, stats.Completed)
	t.Logf("processed %d jobs in %v (%.0f jobs/s)", loadJobs, elapsed, float64(loadJobs)/elapsed.Seconds())
}

func TestRecoveryPerformance(t *testing.T) {
	cfg := persistentConfig(t.TempDir())
	cfg.MaxQueued = loadJobs

	first := openPersistent(t, cfg)
	for i := 0; i < loadJobs; i++ {
		if i == loadJobs/2 {
			require.NoError(t, first.takeSnapshot())
		}
		_, err := first.Enqueue(types.QueueAssetGeneration, map[string]any{"index": i}, types.JobOptions{})
		require.NoError(t, err)
	}
	// first is abandoned without Shutdown

	start := time.Now()
	second := openPersistent(t, cfg)
	recoveryTime := time.Since(start)
	defer second.Shutdown(context.Background())

	stats, err := second.Stats(types.QueueAssetGeneration)
	require.NoError(t, err)
	assert.Equal(t, loadJobs, stats.Waiting, "every job must survive the crash")

	t.Logf("recovered %d jobs in %v", stats.Total, recoveryTime)
	assert.Less(t, recoveryTime, 3*time.Second)
}

func BenchmarkEnqueue(b *testing.B) {
	svc, err := New(Config{
		Queues:    []types.QueueConfig{fastQueue(types.QueueAssetGeneration)},
		MaxQueued: b.N + 1,
	}, WithLogger(quietLogger()))
	require.NoError(b, err)
	defer svc.Shutdown(context.Background())

	payload := map[string]any{"prompt": "warrior sprite", "count": 4}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.Enqueue(types.QueueAssetGeneration, payload, types.JobOptions{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEnqueueWithWAL(b *testing.B) {
	svc, err := New(Config{
		Queues:     []types.QueueConfig{fastQueue(types.QueueAssetGeneration)},
		MaxQueued:  b.N + 1,
		WALPath:    filepath.Join(b.TempDir(), "queue.wal"),
		WALOptions: wal.Options{BufferSize: 256, FlushInterval: 100 * time.Millisecond},
	}, WithLogger(quietLogger()))
	require.NoError(b, err)
	defer svc.Shutdown(context.Background())

	payload := map[string]any{"prompt": "warrior sprite", "count": 4}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.Enqueue(types.QueueAssetGeneration, payload, types.JobOptions{}); err != nil {
			b.Fatal(err)
		}
	}
}
