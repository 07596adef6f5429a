// Package tickqueue implements the bounded single-producer/single-consumer
// buffer between the upstream feed client and the aggregator (spec §4.2).
//
// A plain buffered channel cannot implement the required overflow policy:
// channel sends with a "select default" drop the newest item, but spec §4.2
// requires dropping the OLDEST item on overflow (favoring freshness). This
// is grounded on the teacher's drop-newest "select default" idiom seen
// throughout go-server/pkg/websocket/hub.go's broadcastMessage and
// go-server-3/internal/session/hub.go's Broadcast — generalized here into
// an explicit ring buffer so the drop direction can be reversed.
package tickqueue

import (
	"context"
	"sync"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// Queue is a bounded ring buffer of ticks.
type Queue struct {
	mu       sync.Mutex
	items    []market.Tick
	capacity int
	dropped  uint64
	signal   chan struct{}
	closed   bool
}

// New creates a queue with the given capacity (spec default 500).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 500
	}
	return &Queue{
		items:    make([]market.Tick, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push enqueues a tick. If the queue is full, the oldest entry is dropped
// and the drop counter is incremented, per spec §4.2.
func (q *Queue) Push(t market.Tick) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until a tick is available, the queue is closed, or ctx is
// cancelled. ok is false only when the queue is closed and drained, or ctx
// was cancelled.
func (q *Queue) Pop(ctx context.Context) (market.Tick, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return market.Tick{}, false
		}

		select {
		case <-ctx.Done():
			return market.Tick{}, false
		case <-q.signal:
		}
	}
}

// Close unblocks any pending Pop once the queue drains.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the current depth, for metrics sampling.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the cumulative number of oldest-entry drops.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
