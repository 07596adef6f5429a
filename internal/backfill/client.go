// Package backfill fetches historical minute bars from the provider's REST
// API to seed a candle builder on first interest (spec §4.3). Retry and
// rate-limiting shape is grounded on the teacher's
// ws/internal/shared/limits/connection_rate_limiter.go (token bucket via
// golang.org/x/time/rate) generalized from a connection admission gate to
// an outbound call limiter, since the teacher has no REST client of its
// own to imitate directly.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/JSh4w/financial-analyzer/internal/market"
	"github.com/JSh4w/financial-analyzer/internal/metrics"
)

const maxAttempts = 3

// Window bounds a backfill request: [Start, End) with a result cap.
type Window struct {
	Start time.Time
	End   time.Time
	Limit int
}

// Client fetches historical bars over the provider's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	reg        *metrics.Registry
}

// New constructs a backfill Client. ratePerSec/burst configure the
// golang.org/x/time/rate token bucket guarding outbound REST calls.
func New(baseURL string, ratePerSec float64, burst int, reg *metrics.Registry) *Client {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		reg:        reg,
	}
}

// barsResponse covers both shapes the provider's bars endpoint is known to
// return (spec §4.6): a row-oriented array of bar objects under "bars", or
// a column-oriented object of parallel arrays under "columns". Exactly one
// of the two is populated on any given response.
type barsResponse struct {
	Bars []struct {
		Symbol     string  `json:"symbol"`
		Timestamp  string  `json:"t"`
		Open       float64 `json:"o"`
		High       float64 `json:"h"`
		Low        float64 `json:"l"`
		Close      float64 `json:"c"`
		Volume     uint64  `json:"v"`
		TradeCount uint64  `json:"n"`
		VWAP       float64 `json:"vw"`
	} `json:"bars"`
	Columns *columnBars `json:"columns"`
}

// columnBars is the column-oriented variant: parallel arrays indexed by
// position instead of one object per bar.
type columnBars struct {
	T  []string  `json:"t"`
	O  []float64 `json:"o"`
	H  []float64 `json:"h"`
	L  []float64 `json:"l"`
	C  []float64 `json:"c"`
	V  []uint64  `json:"v"`
	N  []uint64  `json:"n"`
	VW []float64 `json:"vw"`
}

// rows returns the number of rows in the column-oriented shape (0 for a nil
// receiver); at returns row i's fields in the order the row-oriented branch
// passes them.
func (cb *columnBars) rows() int {
	if cb == nil {
		return 0
	}
	return len(cb.T)
}

func (cb *columnBars) at(i int) (ts string, o, h, l, c float64, v, n uint64, vw float64) {
	ts = cb.T[i]
	o = cb.O[i]
	h = cb.H[i]
	l = cb.L[i]
	c = cb.C[i]
	v = cb.V[i]
	if i < len(cb.N) {
		n = cb.N[i]
	}
	if i < len(cb.VW) {
		vw = cb.VW[i]
	}
	return
}

// Fetch retrieves historical 1-minute bars for symbol over the trailing
// lookback window, implementing aggregator.Backfill. Retries 5xx/network
// errors up to maxAttempts with exponential backoff; 4xx responses are
// returned as a non-fatal error for the caller to log and continue without
// backfill data (spec §4.3/§7). Request/latency counters are the caller's
// responsibility (the aggregator wraps every Fetch call, spec §4.7).
func (c *Client) Fetch(ctx context.Context, symbol market.Symbol, lookback time.Duration) ([]market.Bar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("backfill rate limiter: %w", err)
	}

	now := time.Now()
	win := Window{Start: now.Add(-lookback), End: now, Limit: int(lookback / time.Minute)}
	u := fmt.Sprintf("%s/bars?%s", c.baseURL, buildQuery(symbol, win))

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			d := time.Duration(float64(time.Second) * float64(int(1)<<uint(attempt)))
			d += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		bars, retryable, err := c.doRequest(ctx, u, symbol, win)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("backfill: exhausted %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, u string, symbol market.Symbol, win Window) ([]market.Bar, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("backfill request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read backfill response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("backfill upstream %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("backfill client error %d: %s", resp.StatusCode, string(body))
	}

	var parsed barsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("parse backfill response: %w", err)
	}

	appendBar := func(out []market.Bar, rawTS string, o, h, l, c float64, v, n uint64, vw float64) []market.Bar {
		ts, err := time.Parse(time.RFC3339, rawTS)
		if err != nil {
			return out
		}
		ts = market.FloorToMinute(ts)
		if ts.Before(win.Start) || !ts.Before(win.End) {
			return out
		}
		return append(out, market.Bar{
			Symbol:      symbol,
			BucketStart: ts,
			Open:        o,
			High:        h,
			Low:         l,
			Close:       c,
			Volume:      v,
			TradeCount:  n,
			VWAP:        vw,
		})
	}

	if rowCount := parsed.Columns.rows(); rowCount > 0 {
		out := make([]market.Bar, 0, rowCount)
		for i := 0; i < rowCount; i++ {
			ts, o, h, l, c, v, n, vw := parsed.Columns.at(i)
			out = appendBar(out, ts, o, h, l, c, v, n, vw)
		}
		return out, false, nil
	}

	out := make([]market.Bar, 0, len(parsed.Bars))
	for _, b := range parsed.Bars {
		out = appendBar(out, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount, b.VWAP)
	}
	return out, false, nil
}

func buildQuery(symbol market.Symbol, win Window) string {
	v := url.Values{}
	v.Set("symbol", string(symbol))
	v.Set("timeframe", "1m")
	v.Set("start", win.Start.UTC().Format(time.RFC3339))
	v.Set("end", win.End.UTC().Format(time.RFC3339))
	if win.Limit > 0 {
		v.Set("limit", strconv.Itoa(win.Limit))
	}
	return v.Encode()
}
