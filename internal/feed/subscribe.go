package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// Subscribe records symbol/channel as desired and schedules it to be sent
// upstream within the next batch window. It implements
// subscription.UpstreamControl.
func (c *Client) Subscribe(ctx context.Context, symbol market.Symbol, channel market.Channel) error {
	c.mu.Lock()
	if c.desired[channel] == nil {
		c.desired[channel] = make(map[market.Symbol]bool)
	}
	c.desired[channel][symbol] = true
	c.mu.Unlock()

	c.pendingMu.Lock()
	if c.pendingUp[channel] == nil {
		c.pendingUp[channel] = make(map[market.Symbol]bool)
	}
	c.pendingUp[channel][symbol] = true
	delete(c.pendingDn[channel], symbol)
	c.pendingMu.Unlock()

	c.wakeBatch()
	return nil
}

// Unsubscribe records symbol/channel as no longer desired and schedules an
// unsubscribe frame within the next batch window.
func (c *Client) Unsubscribe(ctx context.Context, symbol market.Symbol, channel market.Channel) error {
	c.mu.Lock()
	if c.desired[channel] != nil {
		delete(c.desired[channel], symbol)
	}
	c.mu.Unlock()

	c.pendingMu.Lock()
	if c.pendingDn[channel] == nil {
		c.pendingDn[channel] = make(map[market.Symbol]bool)
	}
	c.pendingDn[channel][symbol] = true
	delete(c.pendingUp[channel], symbol)
	c.pendingMu.Unlock()

	c.wakeBatch()
	return nil
}

func (c *Client) wakeBatch() {
	select {
	case c.batchWake <- struct{}{}:
	default:
	}
}

// batchLoop coalesces Subscribe/Unsubscribe calls arriving within
// batchWindow of each other into a single outbound frame per channel, per
// spec §4.1's "subscription deltas are batched within a ≤50ms window".
func (c *Client) batchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.batchWake:
		}

		t := time.NewTimer(batchWindow)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		c.flushPending()
	}
}

func (c *Client) flushPending() {
	c.pendingMu.Lock()
	up := c.pendingUp
	dn := c.pendingDn
	c.pendingUp = make(map[market.Channel]map[market.Symbol]bool)
	c.pendingDn = make(map[market.Channel]map[market.Symbol]bool)
	c.pendingMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		// Not connected: deltas remain reflected only in c.desired and will
		// be sent as part of the full resubscribe once a connection opens.
		return
	}

	for channel, symbols := range up {
		if len(symbols) == 0 {
			continue
		}
		if err := c.sendChannelFrame(conn, "subscribe", channel, symbols); err != nil {
			c.log.Warn().Err(err).Str("channel", string(channel)).Msg("send subscribe frame failed")
		}
	}
	for channel, symbols := range dn {
		if len(symbols) == 0 {
			continue
		}
		if err := c.sendChannelFrame(conn, "unsubscribe", channel, symbols); err != nil {
			c.log.Warn().Err(err).Str("channel", string(channel)).Msg("send unsubscribe frame failed")
		}
	}
}

func (c *Client) sendChannelFrame(conn interface {
	SetWriteDeadline(time.Time) error
	WriteJSON(interface{}) error
}, action string, channel market.Channel, symbols map[market.Symbol]bool) error {
	names := make([]string, 0, len(symbols))
	for s := range symbols {
		names = append(names, string(s))
	}

	frame := subscribeFrame{Action: action}
	switch channel {
	case market.ChannelTrades:
		frame.Trades = names
	case market.ChannelQuotes:
		frame.Quotes = names
	case market.ChannelBars:
		frame.Bars = names
	case market.ChannelNews:
		frame.News = names
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

// resubscribeAll re-sends the entire desired subscription set as a single
// batch per channel, used after a fresh connect or reconnect (spec §4.1).
func (c *Client) resubscribeAll(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	snapshot := make(map[market.Channel]map[market.Symbol]bool, len(c.desired))
	for ch, syms := range c.desired {
		cp := make(map[market.Symbol]bool, len(syms))
		for s := range syms {
			cp[s] = true
		}
		snapshot[ch] = cp
	}
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("resubscribe: no active connection")
	}

	for channel, symbols := range snapshot {
		if len(symbols) == 0 {
			continue
		}
		if err := c.sendChannelFrame(conn, "subscribe", channel, symbols); err != nil {
			return fmt.Errorf("resubscribe channel %s: %w", channel, err)
		}
	}

	c.reg.UpstreamSubscribedSymbols.Set(float64(c.totalDesiredSymbols(snapshot)))
	return nil
}

func (c *Client) totalDesiredSymbols(byChannel map[market.Channel]map[market.Symbol]bool) int {
	seen := make(map[market.Symbol]bool)
	for _, syms := range byChannel {
		for s := range syms {
			seen[s] = true
		}
	}
	return len(seen)
}
