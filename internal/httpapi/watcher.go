package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/pulse"
	"github.com/kdlbs/reeve/internal/queue"
	"github.com/kdlbs/reeve/pkg/pulseapi"
)

// watcher polls the Queue for status transitions and republishes them as
// StreamEvents. Pulse mutation happens inside the Daemon's own process
// (possibly a different one from this HTTP Ingress instance), so a poll
// loop is the only vantage point the Queue's read API affords without
// reaching into the Daemon internals.
type watcher struct {
	queue *queue.Queue
	hub   *hub
	log   *logging.Logger
	last  map[int64]pulse.Status
}

func newWatcher(q *queue.Queue, h *hub, log *logging.Logger) *watcher {
	return &watcher{queue: q, hub: h, log: log, last: make(map[int64]pulse.Status)}
}

func (w *watcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *watcher) poll(ctx context.Context) {
	allStatuses := []pulse.Status{
		pulse.StatusPending, pulse.StatusProcessing,
		pulse.StatusCompleted, pulse.StatusFailed, pulse.StatusCancelled,
	}
	pulses, err := w.queue.GetUpcoming(ctx, 200, allStatuses)
	if err != nil {
		w.log.Error("stream watcher poll failed", zap.Error(err))
		return
	}

	seen := make(map[int64]pulse.Status, len(pulses))
	for _, p := range pulses {
		seen[p.ID] = p.Status
		prior, known := w.last[p.ID]
		switch {
		case !known:
			w.hub.publish(pulseapi.StreamEvent{Event: "scheduled", Pulse: toPulseView(p)})
		case prior != p.Status:
			w.hub.publish(pulseapi.StreamEvent{Event: eventNameFor(p.Status), Pulse: toPulseView(p)})
		}
	}
	w.last = seen
}

func eventNameFor(s pulse.Status) string {
	switch s {
	case pulse.StatusProcessing:
		return "claimed"
	case pulse.StatusCompleted:
		return "completed"
	case pulse.StatusFailed:
		return "failed"
	case pulse.StatusCancelled:
		return "cancelled"
	default:
		return "updated"
	}
}

func toPulseView(p *pulse.Pulse) *pulseapi.PulseView {
	return &pulseapi.PulseView{
		ID:          p.ID,
		ScheduledAt: p.ScheduledAt,
		Priority:    string(p.Priority),
		Prompt:      p.Prompt,
		Status:      string(p.Status),
	}
}
