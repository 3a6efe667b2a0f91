// ============================================================================
// Forge-Dispatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露佇列與編排器的運行指標
//
// 指標分類（全部以 queue 標籤區分佇列）:
//
//   1. 任務計數器 (CounterVec):
//      - forge_jobs_enqueued_total
//      - forge_jobs_started_total
//      - forge_jobs_completed_total
//      - forge_jobs_failed_total      (進入 failed 終態)
//      - forge_jobs_retried_total     (失敗後重新排隊)
//      - forge_jobs_cancelled_total
//      - forge_jobs_timed_out_total
//
//   2. 性能指標 (HistogramVec):
//      - forge_job_duration_seconds: 單次嘗試的執行時間
//
//   3. 狀態指標 (GaugeVec):
//      - forge_queue_jobs{queue,status}: 各狀態任務數
//      - forge_recovery_time_seconds: 最近一次恢復時間
//
//   4. 編排器:
//      - forge_requests_total{action}: 依意圖分類的請求數
//      - forge_requests_rate_limited_total
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   sum by (queue) (rate(forge_jobs_completed_total[1m]))
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, sum by (le, queue) (rate(forge_job_duration_seconds_bucket[5m])))
//
//   # 任務積壓
//   forge_queue_jobs{status=~"waiting|delayed"}
//
// 所有方法在 nil *Collector 上皆為 no-op，元件可以不帶指標運行。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

const namespace = "forge"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	jobsEnqueued  *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	jobsTimedOut  *prometheus.CounterVec

	// 效能指標
	jobDuration  *prometheus.HistogramVec
	recoveryTime prometheus.Gauge

	// 狀態指標
	queueJobs *prometheus.GaugeVec

	// 編排器
	requests    *prometheus.CounterVec
	rateLimited prometheus.Counter
}

// NewCollector 創建新的指標收集器，使用獨立的 registry
func NewCollector() *Collector {
	queueLabel := []string{"queue"}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, queueLabel)
	}

	c := &Collector{
		registry:      prometheus.NewRegistry(),
		jobsEnqueued:  counter("jobs_enqueued_total", "Total number of jobs enqueued"),
		jobsStarted:   counter("jobs_started_total", "Total number of attempts started by workers"),
		jobsCompleted: counter("jobs_completed_total", "Total number of jobs completed successfully"),
		jobsFailed:    counter("jobs_failed_total", "Total number of jobs that ended in the failed state"),
		jobsRetried:   counter("jobs_retried_total", "Total number of failed attempts scheduled for retry"),
		jobsCancelled: counter("jobs_cancelled_total", "Total number of jobs cancelled by callers"),
		jobsTimedOut:  counter("jobs_timed_out_total", "Total number of attempts that hit the hard timeout"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of a single job attempt in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, queueLabel),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last snapshot and WAL recovery in seconds",
		}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Current number of jobs per queue and status",
		}, []string{"queue", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Orchestrator requests by classified action",
		}, []string{"action"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rate_limited_total",
			Help:      "Orchestrator requests rejected by the per-user rate limit",
		}),
	}

	// 註冊所有指標
	c.registry.MustRegister(
		c.jobsEnqueued,
		c.jobsStarted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsRetried,
		c.jobsCancelled,
		c.jobsTimedOut,
		c.jobDuration,
		c.recoveryTime,
		c.queueJobs,
		c.requests,
		c.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry exposes the underlying registry (tests, extra collectors).
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue(queue types.QueueName) {
	if c == nil {
		return
	}
	c.jobsEnqueued.WithLabelValues(string(queue)).Inc()
}

// RecordStarted 記錄一次嘗試開始
func (c *Collector) RecordStarted(queue types.QueueName, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsStarted.WithLabelValues(string(queue)).Add(float64(n))
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(queue types.QueueName, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(string(queue)).Inc()
	c.jobDuration.WithLabelValues(string(queue)).Observe(d.Seconds())
}

// RecordRetry 記錄失敗後重新排隊
func (c *Collector) RecordRetry(queue types.QueueName, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsRetried.WithLabelValues(string(queue)).Inc()
	c.jobDuration.WithLabelValues(string(queue)).Observe(d.Seconds())
}

// RecordFailed 記錄任務進入 failed 終態
func (c *Collector) RecordFailed(queue types.QueueName, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(string(queue)).Inc()
	c.jobDuration.WithLabelValues(string(queue)).Observe(d.Seconds())
}

// RecordCancelled 記錄任務取消
func (c *Collector) RecordCancelled(queue types.QueueName) {
	if c == nil {
		return
	}
	c.jobsCancelled.WithLabelValues(string(queue)).Inc()
}

// RecordTimeout 記錄一次逾時
func (c *Collector) RecordTimeout(queue types.QueueName) {
	if c == nil {
		return
	}
	c.jobsTimedOut.WithLabelValues(string(queue)).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(stats types.QueueStats) {
	if c == nil {
		return
	}
	q := string(stats.Queue)
	c.queueJobs.WithLabelValues(q, string(types.StatusWaiting)).Set(float64(stats.Waiting))
	c.queueJobs.WithLabelValues(q, string(types.StatusDelayed)).Set(float64(stats.Delayed))
	c.queueJobs.WithLabelValues(q, string(types.StatusActive)).Set(float64(stats.Active))
	c.queueJobs.WithLabelValues(q, string(types.StatusCompleted)).Set(float64(stats.Completed))
	c.queueJobs.WithLabelValues(q, string(types.StatusFailed)).Set(float64(stats.Failed))
	c.queueJobs.WithLabelValues(q, string(types.StatusCancelled)).Set(float64(stats.Cancelled))
}

// RecordRequest 記錄一次編排器請求
func (c *Collector) RecordRequest(action string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(action).Inc()
}

// RecordRateLimited 記錄被限流的請求
func (c *Collector) RecordRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
