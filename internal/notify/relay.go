package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ChuLiYu/forge-dispatch/internal/events"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// Enqueuer is the part of the job queue the relay submits to.
type Enqueuer interface {
	Enqueue(queue types.QueueName, payload any, opts types.JobOptions) (types.JobHandle, error)
}

// Relay turns completed and failed events of the generation queues into
// notifications jobs. Events of the notifications queue itself are ignored.
type Relay struct {
	bus    *events.Bus
	queue  Enqueuer
	log    *slog.Logger
	buffer int
}

// NewRelay creates a relay. Call Run to start it.
func NewRelay(bus *events.Bus, queue Enqueuer, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{bus: bus, queue: queue, log: logger.With("component", "notify_relay"), buffer: 256}
}

// Run relays events until ctx is done or the bus closes.
func (r *Relay) Run(ctx context.Context) {
	ch, unsubscribe := r.bus.Subscribe(r.buffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ev)
		}
	}
}

func (r *Relay) handle(ev events.Event) {
	payload, ok := payloadFor(ev)
	if !ok {
		return
	}
	handle, err := r.queue.Enqueue(types.QueueNotifications, payload, types.JobOptions{})
	if err != nil {
		r.log.Warn("Failed to enqueue notification", "queue", ev.Queue, "jobID", ev.JobID, "error", err)
		return
	}
	r.log.Debug("Notification queued", "source", ev.JobID, "jobID", handle.ID)
}

// payloadFor maps an event onto a notification payload; ok is false for
// events that do not notify.
func payloadFor(ev events.Event) (types.NotificationPayload, bool) {
	if ev.Queue == types.QueueNotifications {
		return types.NotificationPayload{}, false
	}
	p := types.NotificationPayload{
		Queue:  ev.Queue,
		JobID:  ev.JobID,
		UserID: ev.UserID,
	}
	switch ev.Type {
	case events.TypeCompleted:
		p.Event = "completed"
		p.Summary = summarize(ev)
	case events.TypeFailed:
		p.Event = "failed"
		p.Error = ev.Error
		p.Summary = fmt.Sprintf("%s job failed after %d attempt(s)", ev.Queue, ev.Attempt)
	default:
		return types.NotificationPayload{}, false
	}
	return p, true
}

// summarize describes a result by its data keys, e.g.
// "asset-generation job completed (assets: 4)".
func summarize(ev events.Event) string {
	base := fmt.Sprintf("%s job completed", ev.Queue)
	if ev.Result == nil || len(ev.Result.Data) == 0 {
		return base
	}
	keys := make([]string, 0, len(ev.Result.Data))
	for k := range ev.Result.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := ev.Result.Data[k].(type) {
		case []any:
			parts = append(parts, fmt.Sprintf("%s: %d", k, len(v)))
		case []map[string]any:
			parts = append(parts, fmt.Sprintf("%s: %d", k, len(v)))
		case string:
			if len(v) <= 40 {
				parts = append(parts, fmt.Sprintf("%s: %s", k, v))
			}
		}
	}
	if len(parts) == 0 {
		return base
	}
	return base + " (" + strings.Join(parts, ", ") + ")"
}
