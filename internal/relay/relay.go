// Package relay implements the optional cluster fan-out relay of
// SPEC_FULL.md §12.1: when enabled, the aggregator's on_update events are
// also published to NATS so a horizontally-scaled SSE tier converges on
// one logical stream without every replica dialing the upstream provider.
//
// Connection lifecycle (reconnect options, connect/disconnect/error
// handlers) is grounded on the teacher's pkg/nats/client.go; this package
// narrows that general-purpose pub/sub client down to the two subjects the
// core's domain actually needs: per-symbol candle updates and a single
// news subject.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// CandleSink receives relayed candle updates, matching aggregator.UpdateSink.
type CandleSink interface {
	OnUpdate(symbol market.Symbol, snapshot map[time.Time]market.Bar, isInitial bool)
}

// NewsSink receives relayed news items.
type NewsSink interface {
	Publish(item market.NewsItem)
}

// wireSnapshot is the over-the-wire shape for a relayed candle update;
// time.Time keys don't round-trip through encoding/json, so bucket starts
// are carried as RFC3339 strings.
type wireSnapshot struct {
	Symbol    market.Symbol         `json:"symbol"`
	Candles   map[string]market.Bar `json:"candles"`
	IsInitial bool                  `json:"is_initial"`
}

// Relay publishes local on_update/news events to NATS and feeds events
// published by other replicas back into the local fan-out hubs. A Relay
// constructed with an empty URL is a no-op at every call site, matching
// SPEC_FULL §12.1's "when unset, the relay is a no-op".
type Relay struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// Connect dials url. An empty url yields a disabled (nil-free, all-no-op)
// Relay rather than an error, since the relay is an optional deployment
// topology, not a required collaborator.
func Connect(url string, log zerolog.Logger) (*Relay, error) {
	if url == "" {
		return &Relay{log: log}, nil
	}

	conn, err := nats.Connect(url,
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ReconnectJitter(100*time.Millisecond, 250*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("relay: disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("relay: reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("relay: NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}

	return &Relay{conn: conn, log: log}, nil
}

// Enabled reports whether the relay is actually dialed.
func (r *Relay) Enabled() bool { return r.conn != nil }

func candleSubject(symbol market.Symbol) string {
	return "market.updates." + string(symbol)
}

const newsSubject = "market.news"

// PublishCandle publishes a candle update for other replicas to consume.
// A disabled relay is a silent no-op.
func (r *Relay) PublishCandle(symbol market.Symbol, snapshot map[time.Time]market.Bar, isInitial bool) {
	if r.conn == nil {
		return
	}

	wire := wireSnapshot{Symbol: symbol, Candles: make(map[string]market.Bar, len(snapshot)), IsInitial: isInitial}
	for bucket, bar := range snapshot {
		wire.Candles[bucket.UTC().Format(time.RFC3339)] = bar
	}

	data, err := json.Marshal(wire)
	if err != nil {
		r.log.Error().Err(err).Msg("relay: marshal candle update failed")
		return
	}
	if err := r.conn.Publish(candleSubject(symbol), data); err != nil {
		r.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("relay: publish candle update failed")
	}
}

// PublishNews publishes a news item for other replicas to consume.
func (r *Relay) PublishNews(item market.NewsItem) {
	if r.conn == nil {
		return
	}
	data, err := json.Marshal(item)
	if err != nil {
		r.log.Error().Err(err).Msg("relay: marshal news item failed")
		return
	}
	if err := r.conn.Publish(newsSubject, data); err != nil {
		r.log.Warn().Err(err).Msg("relay: publish news item failed")
	}
}

// SubscribeCandles feeds every remotely-published candle update for every
// symbol into sink. Per-symbol publish order from a single aggregator
// goroutine is preserved end-to-end because NATS preserves
// per-publisher-per-subject delivery order (SPEC_FULL §12.1).
func (r *Relay) SubscribeCandles(sink CandleSink) error {
	if r.conn == nil {
		return nil
	}
	_, err := r.conn.Subscribe("market.updates.*", func(msg *nats.Msg) {
		var wire wireSnapshot
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			r.log.Warn().Err(err).Msg("relay: malformed candle update")
			return
		}
		snapshot := make(map[time.Time]market.Bar, len(wire.Candles))
		for bucketText, bar := range wire.Candles {
			bucket, err := time.Parse(time.RFC3339, bucketText)
			if err != nil {
				continue
			}
			snapshot[bucket] = bar
		}
		sink.OnUpdate(wire.Symbol, snapshot, wire.IsInitial)
	})
	if err != nil {
		return fmt.Errorf("subscribe candle relay: %w", err)
	}
	return nil
}

// SubscribeNews feeds every remotely-published news item into sink.
func (r *Relay) SubscribeNews(sink NewsSink) error {
	if r.conn == nil {
		return nil
	}
	_, err := r.conn.Subscribe(newsSubject, func(msg *nats.Msg) {
		var item market.NewsItem
		if err := json.Unmarshal(msg.Data, &item); err != nil {
			r.log.Warn().Err(err).Msg("relay: malformed news item")
			return
		}
		sink.Publish(item)
	})
	if err != nil {
		return fmt.Errorf("subscribe news relay: %w", err)
	}
	return nil
}

// Close closes the NATS connection, if any, without draining it first.
func (r *Relay) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
}
