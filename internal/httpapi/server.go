// Package httpapi exposes the core's inbound HTTP surface (spec §6):
// watchlist management, live attach, the two SSE streams, snapshots,
// historical bars in UDF column format, health, and Prometheus metrics.
//
// Routing and lifecycle are grounded on the teacher's
// go-server/internal/server/server.go: a single *http.Server built from a
// router, a CORS wrapper, Start/Shutdown methods, and signal-driven
// graceful shutdown. Routing itself moves from the teacher's bare
// http.ServeMux to gorilla/mux so path variables ({symbol}) aren't
// hand-parsed, matching the mux usage elsewhere in the pack.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/auth"
	"github.com/JSh4w/financial-analyzer/internal/limits"
	"github.com/JSh4w/financial-analyzer/internal/market"
	"github.com/JSh4w/financial-analyzer/internal/metrics"
	"github.com/JSh4w/financial-analyzer/internal/subscription"
)

// AggregatorView is the capability the HTTP layer needs from the
// aggregator (spec §9's capability-set idiom).
type AggregatorView interface {
	Snapshot(symbol market.Symbol) (map[time.Time]market.Bar, bool)
	HasBuilder(symbol market.Symbol) bool
	BuilderCount() int
}

// CandleStream is the capability the httpapi layer needs from the SSE
// candle hub.
type CandleStream interface {
	ServeStream(ctx context.Context, w http.ResponseWriter, symbol market.Symbol) error
}

// NewsStream is the capability the httpapi layer needs from the SSE news
// hub.
type NewsStream interface {
	ServeStream(ctx context.Context, w http.ResponseWriter) error
}

// HistoryReader is the capability the httpapi layer needs from the candle
// store for the TradingView-style history endpoint.
type HistoryReader interface {
	ReadRange(ctx context.Context, symbol market.Symbol, start, end time.Time) ([]market.Bar, error)
}

// Server wires every collaborator the inbound HTTP surface depends on into
// a single *http.Server (spec §9 "package into a single Core value").
type Server struct {
	httpServer *http.Server

	subs       *subscription.Manager
	aggregator AggregatorView
	candles    CandleStream
	news       NewsStream
	history    HistoryReader
	authMgr    *auth.Manager
	connLimit  *limits.ConnectionRateLimiter

	maxConcurrentSymbols int

	reg *metrics.Registry
	log zerolog.Logger
}

// Config bundles the Server's constructor parameters.
type Config struct {
	ListenAddr           string
	MaxConcurrentSymbols int
}

// New builds the router and underlying *http.Server but does not start
// listening; call Start to do that.
func New(
	cfg Config,
	subs *subscription.Manager,
	aggregator AggregatorView,
	candles CandleStream,
	news NewsStream,
	history HistoryReader,
	authMgr *auth.Manager,
	connLimit *limits.ConnectionRateLimiter,
	reg *metrics.Registry,
	log zerolog.Logger,
) *Server {
	s := &Server{
		subs:                 subs,
		aggregator:           aggregator,
		candles:              candles,
		news:                 news,
		history:              history,
		authMgr:              authMgr,
		connLimit:            connLimit,
		maxConcurrentSymbols: cfg.MaxConcurrentSymbols,
		reg:                  reg,
		log:                  log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/subscribe/{symbol}", s.handleAddSubscribe).Methods(http.MethodGet)
	router.HandleFunc("/api/subscribe/{symbol}", s.handleRemoveSubscribe).Methods(http.MethodDelete)
	router.HandleFunc("/api/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)
	router.HandleFunc("/ws_manager/{symbol}", s.handleWSManager).Methods(http.MethodGet)
	router.HandleFunc("/stream/{symbol}", s.handleStream).Methods(http.MethodGet)
	router.HandleFunc("/api/snapshot/{symbol}", s.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/api/tradingview/history", s.handleHistory).Methods(http.MethodGet)
	router.HandleFunc("/news/stream", s.handleNewsStream).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.corsMiddleware(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE handlers hold the response open indefinitely
	}

	return s
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening. It returns once the server stops, which only
// happens after Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests, including open SSE
// streams, within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, errCode, detail string) {
	writeJSON(w, status, errorBody{Error: errCode, Detail: detail})
}

func symbolFromPath(r *http.Request) (market.Symbol, bool) {
	raw := mux.Vars(r)["symbol"]
	symbol := market.Symbol(raw)
	return symbol, market.ValidSymbol(symbol)
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	return s.authMgr.Authenticate(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func parseUnixSeconds(raw string) (time.Time, error) {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
