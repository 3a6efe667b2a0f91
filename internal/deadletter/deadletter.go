// ============================================================================
// Forge-Dispatch Dead Letter Queue - 最終失敗任務的留存
// ============================================================================
//
// Package: internal/deadletter
// 文件: deadletter.go
// 功能: 保存用盡重試次數（或永久錯誤）的任務，供依使用者查詢
//
// 留存規則:
//   - 最多 MaxEntries 筆，超出時丟棄最舊的
//   - FailedAt 早於 MaxAge 的項目由 Prune 移除
//   - 同一任務只保留一筆（啟動時由 failed 索引回填，之後即時寫入）
//
// ============================================================================

package deadletter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// 預設值
const (
	DefaultMaxEntries    = 1000
	DefaultMaxAge        = 7 * 24 * time.Hour
	DefaultPruneInterval = time.Hour
	DefaultListLimit     = 100
)

// Entry is one terminally failed job.
type Entry struct {
	JobID    types.JobID     `json:"job_id"`
	Queue    types.QueueName `json:"queue"`
	UserID   string          `json:"user_id,omitempty"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	Payload  map[string]any  `json:"payload"`
	FailedAt time.Time       `json:"failed_at"`
}

// Config 留存設定；零值使用預設
type Config struct {
	MaxEntries    int           `yaml:"max_entries" validate:"min=0"`
	MaxAge        time.Duration `yaml:"max_age" validate:"min=0"`
	PruneInterval time.Duration `yaml:"prune_interval" validate:"min=0"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.log = l } }

// Queue holds dead letters oldest first.
type Queue struct {
	cfg Config
	now func() time.Time
	log *slog.Logger

	mu      sync.RWMutex
	entries []Entry
}

// New creates an empty dead letter queue.
func New(cfg Config, opts ...Option) *Queue {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	q := &Queue{cfg: cfg, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("component", "dead_letter")
	return q
}

// FromJob builds the entry for a failed job.
func FromJob(job *types.Job) Entry {
	e := Entry{
		JobID:    job.ID,
		Queue:    job.Queue,
		Error:    job.FailureReason,
		Attempts: job.AttemptsMade,
		Payload:  types.CloneMap(job.Payload),
		FailedAt: job.FinishedAt,
	}
	if uid, ok := job.Payload["user_id"].(string); ok {
		e.UserID = uid
	}
	return e
}

// Add records e, replacing an earlier entry of the same job.
func (q *Queue) Add(e Entry) {
	if e.FailedAt.IsZero() {
		e.FailedAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].JobID == e.JobID && q.entries[i].Queue == e.Queue {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}

	// 依 FailedAt 插入，回填的舊任務不會排在新任務之後
	i := len(q.entries)
	for i > 0 && q.entries[i-1].FailedAt.After(e.FailedAt) {
		i--
	}
	q.entries = append(q.entries, Entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e

	if over := len(q.entries) - q.cfg.MaxEntries; over > 0 {
		q.entries = append(q.entries[:0:0], q.entries[over:]...)
	}
}

// List returns up to limit entries, newest first. An empty userID matches
// every user; limit <= 0 means DefaultListLimit.
func (q *Queue) List(userID string, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Entry, 0, min(limit, len(q.entries)))
	for i := len(q.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := q.entries[i]
		if userID != "" && e.UserID != userID {
			continue
		}
		e.Payload = types.CloneMap(e.Payload)
		out = append(out, e)
	}
	return out
}

// Len returns the number of entries held.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Prune removes entries older than MaxAge and returns how many went.
func (q *Queue) Prune() int {
	cutoff := q.now().Add(-q.cfg.MaxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.entries) && q.entries[n].FailedAt.Before(cutoff) {
		n++
	}
	if n > 0 {
		q.entries = append(q.entries[:0:0], q.entries[n:]...)
	}
	return n
}

// Run prunes on PruneInterval until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.Prune(); n > 0 {
				q.log.Info("Dead letters pruned", "removed", n, "remaining", q.Len())
			}
		}
	}
}
