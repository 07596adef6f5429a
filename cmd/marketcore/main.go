// Command marketcore is the process entrypoint: it wires every
// collaborator described by spec §9's "single Core value constructed at
// process start" — store, tick queue, feed client, aggregator,
// subscription manager, SSE hubs, optional cluster relay, and the HTTP
// server — then runs them until an OS signal requests shutdown.
//
// Orchestration (signal handling, context cancellation, wait-group
// shutdown) is grounded on the teacher's
// go-server/internal/server/server.go Start/waitForShutdown/Shutdown
// sequence.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/JSh4w/financial-analyzer/internal/aggregator"
	"github.com/JSh4w/financial-analyzer/internal/auth"
	"github.com/JSh4w/financial-analyzer/internal/backfill"
	"github.com/JSh4w/financial-analyzer/internal/config"
	"github.com/JSh4w/financial-analyzer/internal/feed"
	"github.com/JSh4w/financial-analyzer/internal/httpapi"
	"github.com/JSh4w/financial-analyzer/internal/limits"
	"github.com/JSh4w/financial-analyzer/internal/logging"
	"github.com/JSh4w/financial-analyzer/internal/market"
	"github.com/JSh4w/financial-analyzer/internal/metrics"
	"github.com/JSh4w/financial-analyzer/internal/relay"
	"github.com/JSh4w/financial-analyzer/internal/sse"
	"github.com/JSh4w/financial-analyzer/internal/store"
	"github.com/JSh4w/financial-analyzer/internal/subscription"
	"github.com/JSh4w/financial-analyzer/internal/tickqueue"
)

// fanoutSink implements aggregator.UpdateSink by delivering each on_update
// event to the local SSE candle hub and, when enabled, to the cluster
// relay, matching spec §9's "UpdateSink{on_update(symbol, payload,
// is_initial)}" capability with two subscribers instead of one.
type fanoutSink struct {
	hub   *sse.CandleHub
	relay *relay.Relay
}

func (f fanoutSink) OnUpdate(symbol market.Symbol, snapshot map[time.Time]market.Bar, isInitial bool) {
	f.hub.OnUpdate(symbol, snapshot, isInitial)
	f.relay.PublishCandle(symbol, snapshot, isInitial)
}

func main() {
	bootstrapLog := logging.New("info", "console")

	cfg, err := config.Load(&bootstrapLog)
	if err != nil {
		bootstrapLog.Fatal().Err(err).Msg("load configuration")
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	reg := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	candleStore, err := store.OpenCandleStore(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open candle store")
	}
	defer candleStore.Close()

	watchlistStore, err := store.OpenWatchlistStore(cfg.UserStorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open watchlist store")
	}
	defer watchlistStore.Close()

	queue := tickqueue.New(cfg.TickQueueCapacity)

	newsHub := sse.NewNewsHub(cfg.SSEQueueCapacity, reg, log)
	candleHub := sse.NewCandleHub(cfg.SSEQueueCapacity, reg, log)

	clusterRelay, err := relay.Connect(cfg.RelayNATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect cluster relay")
	}
	defer clusterRelay.Close()
	if clusterRelay.Enabled() {
		if err := clusterRelay.SubscribeCandles(candleHub); err != nil {
			log.Fatal().Err(err).Msg("subscribe cluster relay candles")
		}
		if err := clusterRelay.SubscribeNews(newsHub); err != nil {
			log.Fatal().Err(err).Msg("subscribe cluster relay news")
		}
		log.Info().Msg("cluster fan-out relay enabled")
	}

	backfillClient := backfill.New(cfg.UpstreamRESTURL, cfg.BackfillRate, cfg.BackfillBurst, reg)

	sink := fanoutSink{hub: candleHub, relay: clusterRelay}
	agg := aggregator.New(queue, candleStore, backfillClient, sink, reg, log, cfg.BackfillLookback())

	newsSink := func(item market.NewsItem) {
		if err := candleStore.InsertNews(context.Background(), item); err != nil {
			reg.StoreWriteErrors.Inc()
			log.Error().Err(err).Str("news_id", item.ID).Msg("persist news item failed")
		}
		newsHub.Publish(item)
		clusterRelay.PublishNews(item)
	}

	feedClient := feed.New(feed.Config{
		URL:          cfg.UpstreamWSURL,
		Key:          cfg.UpstreamWSKey,
		Secret:       cfg.UpstreamWSSecret,
		ReconnectMin: cfg.ReconnectMin(),
		ReconnectMax: cfg.ReconnectMax(),
		NewsSink:     newsSink,
	}, queue, reg, log)

	subsMgr := subscription.New(agg, feedClient, watchlistStore, log)

	authMgr := auth.NewManager(cfg.AuthJWKSURL, cfg.AuthHS256Secret)
	connLimiter := limits.New(limits.Config{
		GlobalRate:  cfg.StreamConnRate,
		GlobalBurst: cfg.StreamConnBurst,
	}, reg, log)
	defer connLimiter.Stop()

	httpServer := httpapi.New(httpapi.Config{
		ListenAddr:           cfg.HTTPListenAddr,
		MaxConcurrentSymbols: cfg.MaxConcurrentSymbols,
	}, subsMgr, agg, candleHub, newsHub, candleStore, authMgr, connLimiter, reg, log)

	if err := subsMgr.RehydrateOnStart(ctx); err != nil {
		log.Error().Err(err).Msg("rehydrate on start failed")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		agg.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := feedClient.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("feed client exited")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		metrics.RunSystemSampler(ctx, reg, 15*time.Second)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("http server exited")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	queue.Close()

	wg.Wait()
	log.Info().Msg("shutdown complete")
}
