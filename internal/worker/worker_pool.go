// ============================================================================
// Forge-Dispatch Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 每個佇列一個 Pool，從 JobSource 取任務並以 goroutine 執行
//
// 架構組件:
//   ┌─────────────┐   Poll(free)   ┌──────────────┐
//   │ dispatch    │ ─────────────▶ │  JobSource   │
//   │ loop        │ ◀───────────── │ (jobqueue)   │
//   └─────────────┘    []Lease     └──────────────┘
//         │                               ▲
//         │ go attempt.run()              │ Progress / Acknowledge
//         ▼                               │
//   ┌──────────────────────────────────────┐
//   │ attempt 1 │ attempt 2 │ ... │ N      │  N ≤ Concurrency
//   └──────────────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start()   - 啟動 dispatch loop
//   3. Wake()    - 有新任務時喚醒 dispatch loop（非阻塞）
//   4. Close()   - 停止派發（冪等）
//   5. Wait(ctx) - 等待執行中的任務結束，ctx 到期即返回
//
// 並發控制:
//   - inFlight 計數確保同時執行數 ≤ Concurrency
//   - 每個任務完成後呼叫 Wake()，讓空出的名額立即被補上
//   - Poll 之間以 PollInterval 兜底（處理延遲到期的任務）
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// 預設值
const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultTimeout      = 300 * time.Second
	ackTimeout          = 10 * time.Second
)

// Config Pool 配置
type Config struct {
	Queue          types.QueueName // 負責的佇列
	Concurrency    int             // 同時執行上限
	PollInterval   time.Duration   // 無喚醒時的輪詢間隔
	DefaultTimeout time.Duration   // lease 未指定逾時時使用
	Logger         *slog.Logger
}

// Pool 代表單一佇列的 Worker 池
type Pool struct {
	source JobSource
	fn     ProcessFunc
	cfg    Config
	log    *slog.Logger

	mu       sync.Mutex
	inFlight int
	started  bool
	closed   bool

	wakeCh chan struct{}
	stopCh chan struct{}
	loopWg sync.WaitGroup // dispatch loop
	jobsWg sync.WaitGroup // 執行中的任務
}

// NewPool 建立新的 Worker Pool
func NewPool(source JobSource, fn ProcessFunc, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		source: source,
		fn:     fn,
		cfg:    cfg,
		log:    logger.With("component", "worker", "queue", cfg.Queue),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start 啟動 dispatch loop
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.started = true

	p.loopWg.Add(1)
	go p.dispatchLoop()

	p.log.Info("Worker pool started", "concurrency", p.cfg.Concurrency)
	return nil
}

// Wake nudges the dispatch loop. It never blocks.
func (p *Pool) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Close 停止派發新任務（冪等），不等待執行中的任務
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	if started {
		p.loopWg.Wait()
	}
}

// Wait 等待所有執行中的任務結束；ctx 先到期時回傳 ctx.Err()
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.jobsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight 返回目前執行中的任務數
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Concurrency 返回同時執行上限
func (p *Pool) Concurrency() int {
	return p.cfg.Concurrency
}

// Queue returns the queue served by the pool.
func (p *Pool) Queue() types.QueueName {
	return p.cfg.Queue
}

// dispatchLoop 從 JobSource 取任務直到 Close
func (p *Pool) dispatchLoop() {
	defer p.loopWg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// 盡量填滿空出的名額
		for p.fill(ctx) {
		}

		select {
		case <-p.stopCh:
			p.log.Debug("Dispatch loop stopped")
			return
		case <-p.wakeCh:
		case <-ticker.C:
		}
	}
}

// fill polls once for the free slots. It reports whether it should be
// called again right away.
func (p *Pool) fill(ctx context.Context) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	free := p.cfg.Concurrency - p.inFlight
	p.mu.Unlock()
	if free <= 0 {
		return false
	}

	leases, err := p.source.Poll(ctx, p.cfg.Queue, free)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Error("Failed to poll jobs", "error", err)
		}
		return false
	}
	if len(leases) == 0 {
		return false
	}

	for _, lease := range leases {
		p.launch(lease)
	}
	return len(leases) == free
}

func (p *Pool) launch(lease Lease) {
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()
	p.jobsWg.Add(1)

	go func() {
		defer p.jobsWg.Done()
		defer p.Wake()
		defer func() {
			p.mu.Lock()
			p.inFlight--
			p.mu.Unlock()
		}()

		a := &attempt{pool: p, lease: lease}
		result := a.run()

		ackCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		if err := p.source.Acknowledge(ackCtx, lease, result); err != nil {
			p.log.Debug("Result discarded",
				"jobID", lease.Job.ID,
				"attempt", lease.Attempt,
				"error", err)
		}
	}()
}
