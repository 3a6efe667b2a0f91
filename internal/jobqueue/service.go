// ============================================================================
// Forge-Dispatch Job Queue Service - 佇列服務核心協調器
// ============================================================================
//
// Package: internal/jobqueue
// 文件: service.go
// 功能: 擁有所有佇列、派發任務給各佇列的 Worker Pool、處理結果與取消
//
// 架構設計:
//   - 每個佇列一個 JobManager（狀態機）與至多一個 worker.Pool
//   - Service 實作 worker.JobSource：Pool 透過 Poll/Progress/Acknowledge
//     讀寫佇列狀態，從不直接碰 JobManager
//   - 可選的持久化：WAL 記錄每次狀態轉換，定期快照後旋轉 WAL
//
// 核心循環:
//   1. 各 Pool 的 dispatch loop - 取出可執行任務
//   2. Snapshot Loop - 定期快照 + WAL flush
//   3. Clean Loop - 定期清除過舊的終態任務
//
// 取消:
//   每個 active 任務持有一個 context.WithCancelCause；Cancel 以
//   ErrJobCancelled 結束它。之後抵達的結果因狀態已非 active 而被丟棄。
//
// 生命週期:
//   New() → RegisterWorker() → Start() → ... → Shutdown(ctx)（僅一次）
//
// ============================================================================

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/forge-dispatch/internal/deadletter"
	"github.com/ChuLiYu/forge-dispatch/internal/events"
	"github.com/ChuLiYu/forge-dispatch/internal/jobmanager"
	"github.com/ChuLiYu/forge-dispatch/internal/metrics"
	"github.com/ChuLiYu/forge-dispatch/internal/snapshot"
	"github.com/ChuLiYu/forge-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/forge-dispatch/internal/worker"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Service 配置
type Config struct {
	Queues        []types.QueueConfig // 空值時使用 DefaultQueueConfigs()
	MaxQueued     int                 // 每個佇列未完成任務上限
	ShutdownGrace time.Duration       // 關閉時等待執行中任務的寬限期
	PollInterval  time.Duration       // Worker Pool 輪詢間隔

	CleanInterval time.Duration // 0 表示停用定期清理
	CleanMaxAge   time.Duration

	// 持久化（WALPath 為空則不持久化）
	WALPath          string
	SnapshotPath     string
	SnapshotInterval time.Duration
	WALOptions       wal.Options
}

// Option configures optional collaborators.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithMetrics sets the Prometheus collector.
func WithMetrics(m *metrics.Collector) Option { return func(s *Service) { s.metrics = m } }

// WithEventBus sets the bus lifecycle events are published on.
func WithEventBus(b *events.Bus) Option { return func(s *Service) { s.bus = b } }

// DeadLetter receives every job that failed for good.
type DeadLetter interface {
	Add(e deadletter.Entry)
}

// WithDeadLetter records terminally failed jobs, including those recovered
// from persistence.
func WithDeadLetter(d DeadLetter) Option { return func(s *Service) { s.dead = d } }

// WithClock overrides time.Now for queue state.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDGenerator overrides uuid job ids.
func WithIDGenerator(fn func() types.JobID) Option { return func(s *Service) { s.newID = fn } }

type running struct {
	attempt int
	cancel  context.CancelCauseFunc
}

// queueState 單一佇列的執行期狀態
type queueState struct {
	cfg  types.QueueConfig
	jobs *jobmanager.JobManager

	mu      sync.Mutex // 串接 Acquire/Cancel 與 cancel func 的登記
	pool    *worker.Pool
	running map[types.JobID]running
}

// Service 佇列服務
type Service struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector
	bus     *events.Bus
	dead    DeadLetter
	now     func() time.Time
	newID   func() types.JobID

	queues map[types.QueueName]*queueState
	order  []types.QueueName

	wal      *wal.WAL
	snapshot *snapshot.Manager

	// baseCtx 是所有任務 context 的父 context；強制關閉時以 ErrServiceShuttingDown 取消
	baseCtx    context.Context
	cancelBase context.CancelCauseFunc

	// mu 以讀鎖保護 Enqueue 的提交；Shutdown 以寫鎖設定 shuttingDown
	mu           sync.RWMutex
	started      bool
	shuttingDown bool
	stopCh       chan struct{}
	loopWg       sync.WaitGroup
}

// ============================================================================
// 建構與生命週期
// ============================================================================

// New 建立服務；若設定了 WAL 路徑則先執行崩潰恢復
func New(cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.Queues) == 0 {
		cfg.Queues = DefaultQueueConfigs()
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.CleanMaxAge <= 0 {
		cfg.CleanMaxAge = DefaultCleanMaxAge
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}

	s := &Service{
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
		newID:  func() types.JobID { return types.JobID(uuid.NewString()) },
		queues: make(map[types.QueueName]*queueState, len(cfg.Queues)),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = events.NewBus(s.log)
	}
	s.log = s.log.With("component", "jobqueue")
	s.baseCtx, s.cancelBase = context.WithCancelCause(context.Background())

	for _, qc := range cfg.Queues {
		if _, ok := types.ParseQueueName(string(qc.Name)); !ok {
			return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, qc.Name)
		}
		if _, dup := s.queues[qc.Name]; dup {
			return nil, fmt.Errorf("queue %q configured twice", qc.Name)
		}
		if qc.Concurrency <= 0 {
			qc.Concurrency = 1
		}
		if qc.Attempts <= 0 {
			qc.Attempts = 1
		}
		s.queues[qc.Name] = &queueState{
			cfg:     qc,
			jobs:    jobmanager.NewJobManager(qc.Name, jobmanager.WithClock(s.now)),
			running: make(map[types.JobID]running),
		}
		s.order = append(s.order, qc.Name)
	}

	if cfg.WALPath != "" {
		if err := s.openPersistence(); err != nil {
			return nil, err
		}
		s.backfillDeadLetters()
	}
	return s, nil
}

// Start 啟動已註冊的 Worker Pool 與背景循環
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return ErrServiceShuttingDown
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	for _, name := range s.order {
		qs := s.queues[name]
		qs.mu.Lock()
		pool := qs.pool
		qs.mu.Unlock()
		if pool != nil {
			if err := pool.Start(); err != nil {
				return fmt.Errorf("start %s pool: %w", name, err)
			}
		}
	}

	if s.wal != nil {
		s.loopWg.Add(1)
		go s.snapshotLoop()
	}
	if s.cfg.CleanInterval > 0 {
		s.loopWg.Add(1)
		go s.cleanLoop()
	}

	s.log.Info("Job queue service started", "queues", len(s.order))
	return nil
}

// RegisterWorker 為佇列註冊處理函式；concurrency <= 0 時使用佇列設定
func (s *Service) RegisterWorker(queue types.QueueName, fn worker.ProcessFunc, concurrency int) error {
	qs, err := s.queue(queue)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return ErrServiceShuttingDown
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.pool != nil {
		return fmt.Errorf("%w: %s", ErrWorkerAlreadyRegistered, queue)
	}
	if concurrency <= 0 {
		concurrency = qs.cfg.Concurrency
	}

	qs.pool = worker.NewPool(s, fn, worker.Config{
		Queue:          queue,
		Concurrency:    concurrency,
		PollInterval:   s.cfg.PollInterval,
		DefaultTimeout: qs.cfg.Timeout,
		Logger:         s.log,
	})
	if s.started {
		return qs.pool.Start()
	}
	return nil
}

// Shutdown 優雅關閉服務，只能成功呼叫一次
//
// 流程：
//  1. 停止受理新任務與背景循環
//  2. 停止各 Pool 派發
//  3. 在寬限期內等待執行中任務；逾期則以 ErrServiceShuttingDown 取消
//  4. 最後一次快照、關閉 WAL 與事件匯流排
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ErrServiceShuttingDown
	}
	s.shuttingDown = true
	s.mu.Unlock()

	s.log.Info("Shutting down job queue service...")

	close(s.stopCh)
	s.loopWg.Wait()

	pools := s.pools()
	for _, pool := range pools {
		pool.Close()
	}

	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()

	var result error
	for _, pool := range pools {
		if err := pool.Wait(graceCtx); err != nil {
			result = ErrShutdownTimeout
			break
		}
	}
	if result != nil {
		abandoned := 0
		for _, pool := range pools {
			abandoned += pool.InFlight()
		}
		s.log.Warn("Grace period exceeded, cancelling running jobs", "running", abandoned)
	}
	s.cancelBase(ErrServiceShuttingDown)

	if s.wal != nil {
		if err := s.takeSnapshot(); err != nil {
			s.log.Error("Failed to take final snapshot", "error", err)
		}
		if err := s.wal.Close(); err != nil {
			s.log.Error("Failed to close WAL", "error", err)
		}
	}
	s.bus.Close()

	s.log.Info("Job queue service stopped")
	return result
}

// ============================================================================
// 公開方法
// ============================================================================

// Enqueue 將任務加入佇列
//
// payload 可以是 map 或任何可 JSON 序列化的結構，入隊時正規化並由服務持有。
func (s *Service) Enqueue(queue types.QueueName, payload any, opts types.JobOptions) (types.JobHandle, error) {
	qs, err := s.queue(queue)
	if err != nil {
		return types.JobHandle{}, err
	}
	if s.isShuttingDown() {
		return types.JobHandle{}, ErrServiceShuttingDown
	}

	normalized, err := types.NormalizePayload(payload)
	if err != nil {
		return types.JobHandle{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	job, pool, err := s.commit(qs, normalized, opts)
	if err != nil {
		return types.JobHandle{}, err
	}

	s.metrics.RecordEnqueue(queue)
	s.observe(qs)
	s.publish(events.TypeEnqueued, job, nil)
	if pool != nil {
		pool.Wake()
	}

	s.log.Debug("Job enqueued", "queue", queue, "jobID", job.ID, "status", job.Status)
	return types.JobHandle{
		ID:        job.ID,
		Queue:     queue,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		RunAt:     job.RunAt,
	}, nil
}

// commit 在讀鎖下再次檢查關閉旗標後寫入任務，Shutdown 返回後不會再有任務入隊
func (s *Service) commit(qs *queueState, payload map[string]any, opts types.JobOptions) (*types.Job, *worker.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shuttingDown {
		return nil, nil, ErrServiceShuttingDown
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.jobs.Outstanding() >= s.cfg.MaxQueued {
		return nil, nil, fmt.Errorf("%w: %s has %d unfinished jobs", ErrQueueFull, qs.cfg.Name, s.cfg.MaxQueued)
	}
	job, err := qs.jobs.Enqueue(buildJob(s.newID(), qs.cfg, payload, opts, s.now()))
	if err != nil {
		return nil, nil, err
	}
	return job, qs.pool, nil
}

// GetStatus 取得任務狀態的一致快照
func (s *Service) GetStatus(queue types.QueueName, id types.JobID) (types.StatusView, error) {
	qs, err := s.queue(queue)
	if err != nil {
		return types.StatusView{}, err
	}
	job, err := qs.jobs.Get(id)
	if err != nil {
		return types.StatusView{}, err
	}
	return job.View(), nil
}

// Cancel 取消任務（冪等）
//
// waiting/delayed 任務不會再被執行；active 任務的 context 以 ErrJobCancelled 取消，
// 處理函式之後回報的結果一律丟棄。
func (s *Service) Cancel(queue types.QueueName, id types.JobID) error {
	qs, err := s.queue(queue)
	if err != nil {
		return err
	}

	qs.mu.Lock()
	prev, changed, err := qs.jobs.Cancel(id)
	if changed && prev == types.StatusActive {
		if r, ok := qs.running[id]; ok {
			r.cancel(worker.ErrJobCancelled)
			delete(qs.running, id)
		}
	}
	qs.mu.Unlock()
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.metrics.RecordCancelled(queue)
	s.observe(qs)
	if job, err := qs.jobs.Get(id); err == nil {
		s.publish(events.TypeCancelled, job, nil)
	}
	s.log.Info("Job cancelled", "queue", queue, "jobID", id, "previous", prev)
	return nil
}

// Stats 取得佇列統計
func (s *Service) Stats(queue types.QueueName) (types.QueueStats, error) {
	qs, err := s.queue(queue)
	if err != nil {
		return types.QueueStats{}, err
	}
	return qs.jobs.Stats(), nil
}

// AllStats returns stats for every configured queue in configuration order.
func (s *Service) AllStats() []types.QueueStats {
	out := make([]types.QueueStats, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.queues[name].jobs.Stats())
	}
	return out
}

// Clean 移除 FinishedAt 早於 maxAge 的 completed/failed 任務
func (s *Service) Clean(queue types.QueueName, maxAge time.Duration) (int, error) {
	qs, err := s.queue(queue)
	if err != nil {
		return 0, err
	}
	removed := qs.jobs.Clean(maxAge)
	if len(removed) > 0 {
		s.observe(qs)
		s.log.Info("Queue cleaned", "queue", queue, "removed", len(removed))
	}
	return len(removed), nil
}

// UserOutstanding counts the waiting, delayed and active jobs of a user
// across all queues.
func (s *Service) UserOutstanding(userID string) int {
	n := 0
	for _, name := range s.order {
		n += s.queues[name].jobs.OutstandingFor(userID)
	}
	return n
}

// Queues returns the configured queue names.
func (s *Service) Queues() []types.QueueName {
	return append([]types.QueueName(nil), s.order...)
}

// QueueConfig returns the definition of a queue.
func (s *Service) QueueConfig(queue types.QueueName) (types.QueueConfig, error) {
	qs, err := s.queue(queue)
	if err != nil {
		return types.QueueConfig{}, err
	}
	return qs.cfg, nil
}

// Bus returns the lifecycle event bus.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Jobs lists copies of the jobs of a queue ordered by submission.
func (s *Service) Jobs(queue types.QueueName) ([]types.StatusView, error) {
	qs, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	jobs := qs.jobs.Snapshot()
	out := make([]types.StatusView, len(jobs))
	for i, job := range jobs {
		out[i] = job.View()
	}
	return out, nil
}

// ============================================================================
// 背景循環
// ============================================================================

// cleanLoop 定期清理過舊的終態任務
func (s *Service) cleanLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, name := range s.order {
				if _, err := s.Clean(name, s.cfg.CleanMaxAge); err != nil {
					s.log.Error("Failed to clean queue", "queue", name, "error", err)
				}
			}
		}
	}
}

// ============================================================================
// 內部輔助
// ============================================================================

func (s *Service) queue(name types.QueueName) (*queueState, error) {
	qs, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, name)
	}
	return qs, nil
}

func (s *Service) isShuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shuttingDown
}

func (s *Service) pools() []*worker.Pool {
	var out []*worker.Pool
	for _, name := range s.order {
		qs := s.queues[name]
		qs.mu.Lock()
		if qs.pool != nil {
			out = append(out, qs.pool)
		}
		qs.mu.Unlock()
	}
	return out
}

func (s *Service) observe(qs *queueState) {
	if s.metrics != nil {
		s.metrics.UpdateQueueStats(qs.jobs.Stats())
	}
}

func (s *Service) publish(t events.Type, job *types.Job, err error) {
	ev := events.Event{
		Type:     t,
		Queue:    job.Queue,
		JobID:    job.ID,
		Attempt:  job.AttemptsMade,
		Progress: job.Progress,
		Result:   job.Result.Clone(),
		At:       s.now(),
	}
	if uid, ok := job.Payload["user_id"].(string); ok {
		ev.UserID = uid
	}
	if err != nil {
		ev.Error = err.Error()
	} else if job.FailureReason != "" {
		ev.Error = job.FailureReason
	}
	s.bus.Publish(ev)
}

// backfillDeadLetters hands recovered failed jobs to the dead letter queue.
func (s *Service) backfillDeadLetters() {
	if s.dead == nil {
		return
	}
	n := 0
	for _, name := range s.order {
		for _, job := range s.queues[name].jobs.Snapshot() {
			if job.Status == types.StatusFailed {
				s.dead.Add(deadletter.FromJob(job))
				n++
			}
		}
	}
	if n > 0 {
		s.log.Info("Dead letters restored", "count", n)
	}
}

// sortedRunning is used by tests and diagnostics.
func (qs *queueState) sortedRunning() []types.JobID {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	out := make([]types.JobID, 0, len(qs.running))
	for id := range qs.running {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ worker.JobSource = (*Service)(nil)

// isShutdownCause reports whether err comes from the forced shutdown.
func isShutdownCause(err error) bool {
	return errors.Is(err, ErrServiceShuttingDown)
}
