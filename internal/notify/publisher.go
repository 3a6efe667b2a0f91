// Package notify delivers job outcome notifications. Outcomes reach it as
// jobs on the notifications queue (see Relay); the notifications processor
// hands them to a Publisher.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// Message is one outcome notification.
type Message struct {
	Event   string          `json:"event"`
	Queue   types.QueueName `json:"queue"`
	JobID   types.JobID     `json:"job_id"`
	UserID  string          `json:"user_id,omitempty"`
	Summary string          `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

// RoutingKey is the topic key a message is published under,
// e.g. "job.completed.asset-generation".
func (m Message) RoutingKey() string {
	return fmt.Sprintf("job.%s.%s", m.Event, m.Queue)
}

// FromPayload builds a message from a notifications job payload.
func FromPayload(p types.NotificationPayload, at time.Time) Message {
	return Message{
		Event:   p.Event,
		Queue:   p.Queue,
		JobID:   p.JobID,
		UserID:  p.UserID,
		Summary: p.Summary,
		Error:   p.Error,
		At:      at.UTC(),
	}
}

func (m Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

// Publisher sends notifications somewhere.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// ============================================================================
// LogPublisher
// ============================================================================

// LogPublisher writes notifications to a logger. It keeps the last messages
// for inspection.
type LogPublisher struct {
	log *slog.Logger

	mu   sync.Mutex
	sent []Message
	keep int
}

// NewLogPublisher returns a publisher that logs at info level.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{log: logger.With("component", "notify"), keep: 256}
}

func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.log.Info("Job notification",
		"routing_key", msg.RoutingKey(),
		"jobID", msg.JobID,
		"user_id", msg.UserID,
		"summary", msg.Summary,
		"error", msg.Error,
	)

	p.mu.Lock()
	p.sent = append(p.sent, msg)
	if len(p.sent) > p.keep {
		p.sent = p.sent[len(p.sent)-p.keep:]
	}
	p.mu.Unlock()
	return nil
}

// Sent returns a copy of the retained messages, oldest first.
func (p *LogPublisher) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}

func (p *LogPublisher) Close() error { return nil }
