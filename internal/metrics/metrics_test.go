package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.Registry())

	// Two collectors never clash: each owns its registry.
	assert.NotPanics(t, func() { NewCollector() })
}

func TestJobCounters(t *testing.T) {
	collector := NewCollector()
	q := types.QueueAssetGeneration

	collector.RecordEnqueue(q)
	collector.RecordEnqueue(q)
	collector.RecordStarted(q, 2)
	collector.RecordCompleted(q, 150*time.Millisecond)
	collector.RecordRetry(q, time.Second)
	collector.RecordFailed(q, time.Second)
	collector.RecordCancelled(q)
	collector.RecordTimeout(q)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"enqueued", testutil.ToFloat64(collector.jobsEnqueued.WithLabelValues(string(q))), 2},
		{"started", testutil.ToFloat64(collector.jobsStarted.WithLabelValues(string(q))), 2},
		{"completed", testutil.ToFloat64(collector.jobsCompleted.WithLabelValues(string(q))), 1},
		{"retried", testutil.ToFloat64(collector.jobsRetried.WithLabelValues(string(q))), 1},
		{"failed", testutil.ToFloat64(collector.jobsFailed.WithLabelValues(string(q))), 1},
		{"cancelled", testutil.ToFloat64(collector.jobsCancelled.WithLabelValues(string(q))), 1},
		{"timed out", testutil.ToFloat64(collector.jobsTimedOut.WithLabelValues(string(q))), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}

	// other queues are untouched
	assert.Zero(t, testutil.ToFloat64(collector.jobsEnqueued.WithLabelValues(string(types.QueueNotifications))))
}

func TestUpdateQueueStats(t *testing.T) {
	collector := NewCollector()
	collector.UpdateQueueStats(types.QueueStats{
		Queue:     types.QueueDocSummary,
		Waiting:   3,
		Completed: 2,
		Total:     5,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.queueJobs.WithLabelValues("doc-summary", "waiting")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.queueJobs.WithLabelValues("doc-summary", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.queueJobs.WithLabelValues("doc-summary", "active")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordEnqueue(types.QueueAssetGeneration)
		collector.RecordStarted(types.QueueAssetGeneration, 1)
		collector.RecordCompleted(types.QueueAssetGeneration, time.Second)
		collector.RecordRetry(types.QueueAssetGeneration, time.Second)
		collector.RecordFailed(types.QueueAssetGeneration, time.Second)
		collector.RecordCancelled(types.QueueAssetGeneration)
		collector.RecordTimeout(types.QueueAssetGeneration)
		collector.SetRecoveryTime(time.Second)
		collector.UpdateQueueStats(types.QueueStats{})
		collector.RecordRequest("mixed")
		collector.RecordRateLimited()
	})
	assert.Nil(t, collector.Registry())
}

func TestHandler(t *testing.T) {
	collector := NewCollector()
	collector.RecordRequest("generate_assets")
	collector.RecordRateLimited()
	collector.SetRecoveryTime(1500 * time.Millisecond)

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `forge_requests_total{action="generate_assets"} 1`)
	assert.Contains(t, string(body), "forge_requests_rate_limited_total 1")
	assert.Contains(t, string(body), "forge_recovery_time_seconds 1.5")
}
