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

// CandleHub fans out aggregator on_update events to every live streaming
// connection subscribed to a symbol (spec §4.8). It implements
// aggregator.UpdateSink.
//
// The routes map is guarded by a mutex held only across lookups/inserts,
// never across connection I/O — the same discipline the aggregator applies
// to its builders map (spec §5) — delivery to each connection's queue is a
// non-blocking push, never a blocking write.
type CandleHub struct {
	mu     sync.Mutex
	routes map[market.Symbol]map[*connQueue]struct{}
	reg    *metrics.Registry
	log    zerolog.Logger
	cap    int
}

// NewCandleHub constructs a hub whose per-connection queues hold cap
// frames (spec default SSE_QUEUE_CAPACITY=10).
func NewCandleHub(cap int, reg *metrics.Registry, log zerolog.Logger) *CandleHub {
	return &CandleHub{
		routes: make(map[market.Symbol]map[*connQueue]struct{}),
		reg:    reg,
		log:    log,
		cap:    cap,
	}
}

// OnUpdate implements aggregator.UpdateSink (spec §4.3/§4.8).
func (h *CandleHub) OnUpdate(symbol market.Symbol, snapshot map[time.Time]market.Bar, isInitial bool) {
	h.mu.Lock()
	conns := h.routes[symbol]
	queues := make([]*connQueue, 0, len(conns))
	for q := range conns {
		queues = append(queues, q)
	}
	h.mu.Unlock()

	if len(queues) == 0 {
		return
	}

	frame := market.Snapshot{
		Symbol:     symbol,
		Candles:    snapshot,
		IsInitial:  isInitial,
		UpdateTime: time.Now(),
	}

	for _, q := range queues {
		if isInitial {
			q.pushInitial(frame)
			continue
		}
		if dropped := q.pushDelta(frame); dropped {
			h.reg.SSEFramesDropped.WithLabelValues("candles").Inc()
		}
	}
}

// register attaches a new connection queue for symbol and returns it.
func (h *CandleHub) register(symbol market.Symbol) *connQueue {
	q := newConnQueue(h.cap)
	h.mu.Lock()
	if h.routes[symbol] == nil {
		h.routes[symbol] = make(map[*connQueue]struct{})
	}
	h.routes[symbol][q] = struct{}{}
	h.mu.Unlock()
	h.reg.SSEConnectionsActive.Inc()
	h.reg.SSEConnectionsTotal.WithLabelValues("candles").Inc()
	return q
}

func (h *CandleHub) unregister(symbol market.Symbol, q *connQueue) {
	h.mu.Lock()
	if conns, ok := h.routes[symbol]; ok {
		delete(conns, q)
		if len(conns) == 0 {
			delete(h.routes, symbol)
		}
	}
	h.mu.Unlock()
	q.close()
	h.reg.SSEConnectionsActive.Dec()
}

// candleFrame is the wire shape of spec §4.8's candle frame.
type candleFrame struct {
	Symbol          market.Symbol             `json:"symbol"`
	Candles         map[string]candleFrameBar `json:"candles"`
	IsInitial       bool                      `json:"is_initial"`
	UpdateTimestamp string                    `json:"update_timestamp"`
}

type candleFrameBar struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume uint64  `json:"volume"`
}

func toCandleFrame(s market.Snapshot) candleFrame {
	candles := make(map[string]candleFrameBar, len(s.Candles))
	for bucket, bar := range s.Candles {
		candles[bucket.UTC().Format(time.RFC3339)] = candleFrameBar{
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: bar.Volume,
		}
	}
	return candleFrame{
		Symbol:          s.Symbol,
		Candles:         candles,
		IsInitial:       s.IsInitial,
		UpdateTimestamp: s.UpdateTime.UTC().Format(time.RFC3339),
	}
}

// ServeStream streams candle frames for symbol to w until the client
// disconnects or ctx is cancelled (spec §4.8 steps 3-5). The caller is
// responsible for having already called subscriptions.AttachLive and for
// detaching it on return.
func (h *CandleHub) ServeStream(ctx context.Context, w http.ResponseWriter, symbol market.Symbol) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	q := h.register(symbol)
	defer h.unregister(symbol, q)

	for {
		snap, ok := q.dequeue(ctx)
		if !ok {
			return nil
		}
		body, err := json.Marshal(toCandleFrame(snap))
		if err != nil {
			h.log.Error().Err(err).Msg("marshal candle frame failed")
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
			return err
		}
		flusher.Flush()
	}
}
