// Package metrics periodically logs a node's operational stats: live QUIC
// connection count and event bus activity.
package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ConnectionCounter reports how many connections are currently registered.
type ConnectionCounter interface {
	Count() int
}

// EventCounter is incremented by callers each time the event bus publishes,
// and drained by Run on every tick.
type EventCounter struct {
	count atomic.Int64
}

// Increment records one published event.
func (c *EventCounter) Increment() {
	c.count.Add(1)
}

func (c *EventCounter) drain() int64 {
	return c.count.Swap(0)
}

// Run logs connection and event counts every interval until ctx is
// cancelled. Ticks with no activity are skipped, matching the teacher's
// convention of only logging when there's something to report.
func Run(ctx context.Context, connections ConnectionCounter, events *EventCounter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connCount := connections.Count()
			eventCount := events.drain()
			if connCount > 0 || eventCount > 0 {
				slog.Info("node metrics",
					"connections", connCount,
					"events_per_interval", eventCount,
					"interval", interval,
				)
			}
		}
	}
}
