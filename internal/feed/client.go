// Package feed maintains the single upstream WebSocket session to the
// market-data provider (spec §4.1). Dial/reconnect loop structure is
// grounded on other_examples/a314799a_zhilong1115-Aspen__market-websocket_client.go.go
// (gorilla/websocket dialer + read-loop + handleReconnect), combined with
// the teacher's connection-lifecycle idioms — deadline-based ping/pong in
// go-server/pkg/websocket/client.go and the reconnect-with-backoff options
// shape of go-server/pkg/nats/client.go (generalized to full-jitter
// exponential backoff since this client cannot delegate to a pub/sub
// library's built-in reconnect).
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
	"github.com/JSh4w/financial-analyzer/internal/metrics"
	"github.com/JSh4w/financial-analyzer/internal/tickqueue"
)

// ErrUnauthorized is returned by Run when the provider rejects the
// authentication frame. It is fatal: the caller must not retry (spec §4.1).
var ErrUnauthorized = fmt.Errorf("feed: upstream authentication failed")

const (
	batchWindow  = 50 * time.Millisecond
	pingTimeout  = 30 * time.Second
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Config configures the upstream connection.
type Config struct {
	URL            string
	Key            string
	Secret         string
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	NewsSink       func(market.NewsItem)
}

// Client owns the single long-lived upstream WebSocket session.
type Client struct {
	cfg   Config
	queue *tickqueue.Queue
	reg   *metrics.Registry
	log   zerolog.Logger

	mu      sync.Mutex
	conn    *gws.Conn
	state   State
	desired map[market.Channel]map[market.Symbol]bool // full subscription set

	pendingMu sync.Mutex
	pendingUp map[market.Channel]map[market.Symbol]bool
	pendingDn map[market.Channel]map[market.Symbol]bool
	batchWake chan struct{}
}

// New constructs a feed Client. Run must be called to start it.
func New(cfg Config, queue *tickqueue.Queue, reg *metrics.Registry, log zerolog.Logger) *Client {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		cfg:       cfg,
		queue:     queue,
		reg:       reg,
		log:       log,
		state:     Disconnected,
		desired:   make(map[market.Channel]map[market.Symbol]bool),
		pendingUp: make(map[market.Channel]map[market.Symbol]bool),
		pendingDn: make(map[market.Channel]map[market.Symbol]bool),
		batchWake: make(chan struct{}, 1),
	}
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if s == Connected {
		c.reg.UpstreamConnected.Set(1)
	} else {
		c.reg.UpstreamConnected.Set(0)
	}
}

// Run connects and processes frames until ctx is cancelled. Transient
// transport errors are retried indefinitely with backoff; an auth failure
// returns ErrUnauthorized immediately without retry (spec §4.1/§7).
func (c *Client) Run(ctx context.Context) error {
	go c.batchLoop(ctx)

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(ShuttingDown)
			return nil
		}

		c.setState(Connecting)
		conn, err := c.dialAndAuth(ctx)
		if err == ErrUnauthorized {
			c.setState(Disconnected)
			return err
		}
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("upstream connect failed, retrying")
			c.sleepBackoff(ctx, attempt)
			attempt++
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(Connected)
		attempt = 0

		if err := c.resubscribeAll(ctx); err != nil {
			c.log.Warn().Err(err).Msg("resubscribe after connect failed")
		}

		err = c.receiveLoop(ctx, conn)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			c.setState(ShuttingDown)
			return nil
		}

		c.setState(Reconnecting)
		c.reg.UpstreamReconnects.Inc()
		c.log.Warn().Err(err).Msg("upstream connection lost, reconnecting")
		c.sleepBackoff(ctx, attempt)
		attempt++
	}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	d := backoff(attempt, c.cfg.ReconnectMin, c.cfg.ReconnectMax)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Client) dialAndAuth(ctx context.Context) (*gws.Conn, error) {
	dialer := gws.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}

	c.setState(Authenticating)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(authFrame{Action: "auth", Key: c.cfg.Key, Secret: c.cfg.Secret}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth frame: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth ack: %w", err)
	}

	var acks []authAck
	if err := json.Unmarshal(raw, &acks); err != nil {
		var single authAck
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			conn.Close()
			return nil, fmt.Errorf("parse auth ack: %w", err)
		}
		acks = []authAck{single}
	}

	for _, ack := range acks {
		if ack.T == "error" || ack.Code != 0 {
			conn.Close()
			return nil, ErrUnauthorized
		}
	}

	conn.SetReadDeadline(time.Now().Add(pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingTimeout))
		return nil
	})

	return conn, nil
}

func (c *Client) receiveLoop(ctx context.Context, conn *gws.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var envelopes []json.RawMessage
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		envelopes = []json.RawMessage{raw}
	}

	for _, env := range envelopes {
		var head inboundFrame
		if err := json.Unmarshal(env, &head); err != nil {
			c.reg.UpstreamMalformedFrames.Inc()
			continue
		}

		switch head.T {
		case "t": // trade
			var tf tradeFrame
			if err := json.Unmarshal(env, &tf); err != nil {
				c.reg.UpstreamMalformedFrames.Inc()
				continue
			}
			if c.queue.Push(market.Tick{
				Symbol:     market.Symbol(tf.Symbol),
				Price:      tf.Price,
				Size:       tf.Size,
				EventTime:  tf.eventTime(),
				Conditions: tf.Conditions,
				Exchange:   tf.Exchange,
				Tape:       tf.Tape,
			}) {
				c.reg.TickQueueDropped.Inc()
			}
		case "n": // news
			if c.cfg.NewsSink != nil {
				var item market.NewsItem
				if err := json.Unmarshal(env, &item); err == nil {
					c.cfg.NewsSink(item)
				} else {
					c.reg.UpstreamMalformedFrames.Inc()
				}
			}
		case "success", "subscription":
			// control acks, no action needed
		default:
			c.reg.UpstreamMalformedFrames.Inc()
		}
	}
}
