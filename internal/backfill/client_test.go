package backfill

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JSh4w/financial-analyzer/internal/metrics"
)

func TestFetchParsesAndFiltersBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"bars": []map[string]any{
				{"symbol": "AAPL", "t": time.Now().Add(-2 * time.Hour).Format(time.RFC3339), "o": 1, "h": 2, "l": 1, "c": 1.5, "v": 10, "n": 1, "vw": 1.5},
				{"symbol": "AAPL", "t": time.Now().Add(-10 * time.Minute).Format(time.RFC3339), "o": 1, "h": 2, "l": 1, "c": 1.5, "v": 10, "n": 1, "vw": 1.5},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 100, 100, metrics.New())
	bars, err := c.Fetch(context.Background(), "AAPL", time.Hour)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("expected 1 bar within the 1h lookback window, got %d", len(bars))
	}
}

func TestFetchRetriesOn5xxThenFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 100, 100, metrics.New())
	_, err := c.Fetch(context.Background(), "AAPL", time.Hour)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, calls)
	}
}

func TestFetchReturnsImmediatelyOn4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, 100, 100, metrics.New())
	_, err := c.Fetch(context.Background(), "AAPL", time.Hour)
	if err == nil {
		t.Fatalf("expected error on 4xx")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt on non-retryable 4xx, got %d", calls)
	}
}
