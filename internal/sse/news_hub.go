package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
	"github.com/JSh4w/financial-analyzer/internal/metrics"
)

// NewsHub is the analogous single-upstream/multi-subscriber path for news
// items (spec §4.8 "Hubs for news follow the same shape... without
// per-symbol keying ... and without is_initial"). There is one broadcast
// room: every connected client receives every news item from the moment it
// attaches onward.
type NewsHub struct {
	mu    sync.Mutex
	conns map[*newsQueue]struct{}
	reg   *metrics.Registry
	log   zerolog.Logger
	cap   int
}

// newsQueue is a plain bounded ring buffer of news items — no
// initial/delta split, so it needs none of connQueue's snapshot-eviction
// rule.
type newsQueue struct {
	mu       sync.Mutex
	items    []market.NewsItem
	capacity int
	closed   bool
	signal   chan struct{}
}

func newNewsQueue(capacity int) *newsQueue {
	if capacity <= 0 {
		capacity = 10
	}
	return &newsQueue{capacity: capacity, signal: make(chan struct{}, 1)}
}

func (q *newsQueue) push(item market.NewsItem) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped
}

func (q *newsQueue) dequeue(ctx context.Context) (market.NewsItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return market.NewsItem{}, false
		}

		select {
		case <-ctx.Done():
			return market.NewsItem{}, false
		case <-q.signal:
		}
	}
}

func (q *newsQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// NewNewsHub constructs a hub whose per-connection queues hold cap items.
func NewNewsHub(cap int, reg *metrics.Registry, log zerolog.Logger) *NewsHub {
	return &NewsHub{
		conns: make(map[*newsQueue]struct{}),
		reg:   reg,
		log:   log,
		cap:   cap,
	}
}

// Publish broadcasts item to every attached connection. It is the news
// sink that the feed client's news path and the cluster relay write to.
func (h *NewsHub) Publish(item market.NewsItem) {
	h.mu.Lock()
	conns := make([]*newsQueue, 0, len(h.conns))
	for q := range h.conns {
		conns = append(conns, q)
	}
	h.mu.Unlock()

	for _, q := range conns {
		if dropped := q.push(item); dropped {
			h.reg.SSEFramesDropped.WithLabelValues("news").Inc()
		}
	}
}

func (h *NewsHub) register() *newsQueue {
	q := newNewsQueue(h.cap)
	h.mu.Lock()
	h.conns[q] = struct{}{}
	h.mu.Unlock()
	h.reg.SSEConnectionsActive.Inc()
	h.reg.SSEConnectionsTotal.WithLabelValues("news").Inc()
	return q
}

func (h *NewsHub) unregister(q *newsQueue) {
	h.mu.Lock()
	delete(h.conns, q)
	h.mu.Unlock()
	q.close()
	h.reg.SSEConnectionsActive.Dec()
}

// newsFrame is the wire shape of spec §4.8's news frame.
type newsFrame struct {
	ID       string   `json:"id"`
	Time     string   `json:"time"`
	Headline string   `json:"headline"`
	Summary  string   `json:"summary"`
	Tickers  []string `json:"tickers"`
	Source   string   `json:"source"`
	URL      string   `json:"url"`
}

func toNewsFrame(item market.NewsItem) newsFrame {
	tickers := make([]string, len(item.SymbolSet))
	for i, s := range item.SymbolSet {
		tickers[i] = string(s)
	}
	return newsFrame{
		ID:       item.ID,
		Time:     item.PublishedAt.UTC().Format(time.RFC3339),
		Headline: item.Headline,
		Summary:  item.Summary,
		Tickers:  tickers,
		Source:   item.Source,
		URL:      item.URL,
	}
}

// ServeStream streams news frames to w until the client disconnects or ctx
// is cancelled.
func (h *NewsHub) ServeStream(ctx context.Context, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	q := h.register()
	defer h.unregister(q)

	for {
		item, ok := q.dequeue(ctx)
		if !ok {
			return nil
		}
		body, err := json.Marshal(toNewsFrame(item))
		if err != nil {
			h.log.Error().Err(err).Msg("marshal news frame failed")
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
			return err
		}
		flusher.Flush()
	}
}
