// Package sse implements the fan-out hub of spec §4.8: a per-connection
// bounded queue per symbol subscriber, an initial-snapshot/delta delivery
// protocol, and a slow-consumer eviction policy that favors newness.
//
// Structurally grounded on the teacher's single-owner register/unregister/
// broadcast channel loop (go-server/pkg/websocket/hub.go Hub.Run,
// go-server-3/internal/session/hub.go Hub.Broadcast's "queue full, drop to
// preserve latency" idiom), adapted from a flat client set to per-symbol
// routing and from "drop the newest" to the spec's "evict the oldest delta,
// never the initial snapshot" rule, since the teacher's broadcast-only hub
// has no notion of an initial/delta split.
package sse

import (
	"context"
	"sync"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// connQueue is the bounded per-connection buffer of spec §4.8 step 3.
type connQueue struct {
	mu          sync.Mutex
	frames      []market.Snapshot
	capacity    int
	initialized bool
	closed      bool
	signal      chan struct{}
}

func newConnQueue(capacity int) *connQueue {
	if capacity <= 0 {
		capacity = 10
	}
	return &connQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

func (q *connQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pushInitial replaces any pending item with the full snapshot and marks
// the queue initialized (spec §4.8: "replace any pending item... mark the
// queue initialized").
func (q *connQueue) pushInitial(s market.Snapshot) {
	q.mu.Lock()
	q.frames = q.frames[:0]
	q.frames = append(q.frames, s)
	q.initialized = true
	q.mu.Unlock()
	q.wake()
}

// pushDelta enqueues a delta snapshot, dropping it outright if the queue
// isn't initialized yet (the forthcoming initial snapshot subsumes it), and
// otherwise evicting the oldest non-initial frame on overflow so an
// is_initial snapshot already queued is never evicted (spec §4.8/§8).
// Returns true if the delta was dropped or caused an eviction.
func (q *connQueue) pushDelta(s market.Snapshot) (droppedSomething bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.initialized {
		return true
	}

	if len(q.frames) < q.capacity {
		q.frames = append(q.frames, s)
		q.wake()
		return false
	}

	for i, f := range q.frames {
		if !f.IsInitial {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			q.frames = append(q.frames, s)
			q.wake()
			return true
		}
	}
	// Every queued frame is an initial snapshot (degenerate, capacity==1
	// case): drop the delta rather than evict the snapshot.
	return true
}

// dequeue blocks until a frame is available, the queue is closed, or ctx is
// cancelled.
func (q *connQueue) dequeue(ctx context.Context) (market.Snapshot, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			s := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return s, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return market.Snapshot{}, false
		}

		select {
		case <-ctx.Done():
			return market.Snapshot{}, false
		case <-q.signal:
		}
	}
}

func (q *connQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}
