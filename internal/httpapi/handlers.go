package httpapi

import (
	"net/http"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// handleAddSubscribe implements `GET /api/subscribe/{symbol}` (spec §6).
func (s *Server) handleAddSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	symbol, ok := symbolFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol does not match the expected grammar")
		return
	}

	if !s.aggregator.HasBuilder(symbol) && s.aggregator.BuilderCount() >= s.maxConcurrentSymbols {
		writeError(w, http.StatusTooManyRequests, "too_many_symbols", "MAX_CONCURRENT_SYMBOLS reached")
		return
	}

	alreadyActive, count, err := s.subs.AddPermanent(r.Context(), userID, symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe_failed", err.Error())
		return
	}

	status := "subscribed"
	if alreadyActive {
		status = "already"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"symbol":           symbol,
		"subscriber_count": count,
	})
}

// handleRemoveSubscribe implements `DELETE /api/subscribe/{symbol}`.
func (s *Server) handleRemoveSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	symbol, ok := symbolFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol does not match the expected grammar")
		return
	}

	wasActive, remaining, err := s.subs.RemovePermanent(r.Context(), userID, symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unsubscribe_failed", err.Error())
		return
	}

	status := "unsubscribed"
	if !wasActive {
		status = "not_subscribed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                status,
		"symbol":                symbol,
		"remaining_subscribers": remaining,
	})
}

// handleListSubscriptions implements `GET /api/subscriptions`.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	symbols, err := s.subs.ListPermanent(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

// handleWSManager implements `GET /ws_manager/{symbol}`: an idempotent,
// non-persisted live attach that is released again immediately, mirroring
// the spec's "live (non-persisted) attach for caller" semantics for a
// fire-and-forget REST caller rather than a held SSE connection.
func (s *Server) handleWSManager(w http.ResponseWriter, r *http.Request) {
	_, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	symbol, ok := symbolFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol does not match the expected grammar")
		return
	}

	if !s.aggregator.HasBuilder(symbol) && s.aggregator.BuilderCount() >= s.maxConcurrentSymbols {
		writeError(w, http.StatusTooManyRequests, "too_many_symbols", "MAX_CONCURRENT_SYMBOLS reached")
		return
	}

	handle, err := s.subs.AttachLive(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "attach_failed", err.Error())
		return
	}
	s.subs.DetachLive(r.Context(), handle)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "subscribed",
		"symbol":  symbol,
		"message": "live interest registered",
	})
}

// handleStream implements `GET /stream/{symbol}?token=…`: the candle SSE
// stream (spec §4.8).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	if !s.connLimit.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many connection attempts")
		return
	}

	symbol, ok := symbolFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol does not match the expected grammar")
		return
	}

	if !s.aggregator.HasBuilder(symbol) && s.aggregator.BuilderCount() >= s.maxConcurrentSymbols {
		writeError(w, http.StatusTooManyRequests, "too_many_symbols", "MAX_CONCURRENT_SYMBOLS reached")
		return
	}

	handle, err := s.subs.AttachLive(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, "attach_failed", err.Error())
		return
	}
	defer s.subs.DetachLive(r.Context(), handle)

	s.log.Info().Str("user", userID).Str("symbol", string(symbol)).Msg("candle stream attached")

	if err := s.candles.ServeStream(r.Context(), w, symbol); err != nil {
		s.log.Debug().Err(err).Str("symbol", string(symbol)).Msg("candle stream ended")
	}
}

// handleSnapshot implements `GET /api/snapshot/{symbol}`.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	symbol, ok := symbolFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol does not match the expected grammar")
		return
	}

	candles, found := s.aggregator.Snapshot(symbol)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "symbol has no active builder")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  symbol,
		"candles": candles,
	})
}

// udfHistory is the UDF column-format response shape of spec §6.
type udfHistory struct {
	Status string    `json:"s"`
	T      []int64   `json:"t,omitempty"`
	O      []float64 `json:"o,omitempty"`
	H      []float64 `json:"h,omitempty"`
	L      []float64 `json:"l,omitempty"`
	C      []float64 `json:"c,omitempty"`
	V      []uint64  `json:"v,omitempty"`
}

// handleHistory implements
// `GET /api/tradingview/history?symbol=…&from_ts=…&to_ts=…&resolution=…`.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	q := r.URL.Query()
	symbol := market.Symbol(q.Get("symbol"))
	if !market.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol does not match the expected grammar")
		return
	}

	from, err := parseUnixSeconds(q.Get("from_ts"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from_ts", err.Error())
		return
	}
	to, err := parseUnixSeconds(q.Get("to_ts"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to_ts", err.Error())
		return
	}

	// Only 1m bars are stored; any other resolution is a validation error
	// distinct from "no data for this range".
	if resolution := q.Get("resolution"); resolution != "" && resolution != "1" {
		writeError(w, http.StatusBadRequest, "unsupported_resolution", "only 1-minute resolution is available")
		return
	}

	bars, err := s.history.ReadRange(r.Context(), symbol, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	if len(bars) == 0 {
		writeJSON(w, http.StatusOK, udfHistory{Status: "no_data"})
		return
	}

	resp := udfHistory{
		Status: "ok",
		T:      make([]int64, len(bars)),
		O:      make([]float64, len(bars)),
		H:      make([]float64, len(bars)),
		L:      make([]float64, len(bars)),
		C:      make([]float64, len(bars)),
		V:      make([]uint64, len(bars)),
	}
	for i, b := range bars {
		resp.T[i] = b.BucketStart.Unix()
		resp.O[i] = b.Open
		resp.H[i] = b.High
		resp.L[i] = b.Low
		resp.C[i] = b.Close
		resp.V[i] = b.Volume
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleNewsStream implements `GET /news/stream?token=…`.
func (s *Server) handleNewsStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if !s.connLimit.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many connection attempts")
		return
	}

	if err := s.news.ServeStream(r.Context(), w); err != nil {
		s.log.Debug().Err(err).Msg("news stream ended")
	}
}

// handleHealth implements `GET /health`.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"builders_active": s.aggregator.BuilderCount(),
	})
}
