// Package events carries observational job lifecycle events from the queue
// service to interested parties (notification relay, CLI watchers, logs).
//
// Delivery is best effort: Publish never blocks, and nothing in the queue
// state machine depends on an event being received.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// Type is the kind of lifecycle event.
type Type string

const (
	TypeEnqueued  Type = "enqueued"
	TypeProgress  Type = "progress"
	TypeRetrying  Type = "retrying"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
)

// Event describes one job transition or progress report.
type Event struct {
	Type     Type             `json:"type"`
	Queue    types.QueueName  `json:"queue"`
	JobID    types.JobID      `json:"job_id"`
	UserID   string           `json:"user_id,omitempty"`
	Attempt  int              `json:"attempt"`
	Progress types.Progress   `json:"progress"`
	Result   *types.JobResult `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

// Bus fans events out to channel subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe registers a subscriber with the given channel buffer. The returned
// func unsubscribes and closes the channel; calling it twice is safe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers ev to every subscriber that has room. Slow subscribers
// lose the event; the loss is counted.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.dropped.Add(1)%100 == 1 {
				b.logger.Warn("subscriber lagging, dropping events",
					"event_type", ev.Type,
					"dropped_total", b.dropped.Load())
			}
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
