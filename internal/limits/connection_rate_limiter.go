// Package limits guards new SSE stream connection attempts against floods,
// per SPEC_FULL.md §12.2. It never throttles frames already flowing to an
// attached connection — only the admission of new ones.
//
// Grounded directly on the teacher's
// ws/internal/shared/limits/connection_rate_limiter.go: the same two-level
// (global, then per-IP) token-bucket design via golang.org/x/time/rate, with
// a periodic cleanup goroutine evicting idle per-IP entries. Adapted to read
// its limits from this core's config and to report rejections through this
// core's metrics registry instead of the teacher's monitoring package.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/JSh4w/financial-analyzer/internal/metrics"
)

// ipEntry holds a per-IP limiter and the last time it was consulted, so the
// cleanup loop can evict IPs that have gone quiet.
type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiter rejects new stream connection attempts once either
// the requesting IP or the system as a whole is admitting connections faster
// than configured.
type ConnectionRateLimiter struct {
	ipMu     sync.Mutex
	ipLimits map[string]*ipEntry
	ipRate   float64
	ipBurst  int
	ipTTL    time.Duration

	global *rate.Limiter

	reg *metrics.Registry
	log zerolog.Logger

	stopCleanup chan struct{}
}

// Config configures a ConnectionRateLimiter. Zero values fall back to the
// teacher's defaults.
type Config struct {
	IPRate      float64
	IPBurst     int
	IPTTL       time.Duration
	GlobalRate  float64
	GlobalBurst int
}

// New constructs a ConnectionRateLimiter and starts its cleanup goroutine.
// Callers must call Stop on shutdown.
func New(cfg Config, reg *metrics.Registry, log zerolog.Logger) *ConnectionRateLimiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}

	crl := &ConnectionRateLimiter{
		ipLimits:    make(map[string]*ipEntry),
		ipRate:      cfg.IPRate,
		ipBurst:     cfg.IPBurst,
		ipTTL:       cfg.IPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		reg:         reg,
		log:         log,
		stopCleanup: make(chan struct{}),
	}

	go crl.cleanupLoop()
	return crl
}

// Allow reports whether a new connection attempt from ip should proceed.
// Global capacity is checked first (cheap, no map lookup) before the
// per-IP bucket.
func (crl *ConnectionRateLimiter) Allow(ip string) bool {
	if !crl.global.Allow() {
		crl.reg.ConnectionsRejectedRate.WithLabelValues("global").Inc()
		crl.log.Debug().Str("ip", ip).Msg("connection rejected: global admission limit exceeded")
		return false
	}

	if !crl.ipLimiter(ip).Allow() {
		crl.reg.ConnectionsRejectedRate.WithLabelValues("ip").Inc()
		crl.log.Debug().Str("ip", ip).Msg("connection rejected: per-IP admission limit exceeded")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	entry, ok := crl.ipLimits[ip]
	if ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	entry = &ipEntry{
		limiter:    rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst),
		lastAccess: time.Now(),
	}
	crl.ipLimits[ip] = entry
	return entry.limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range crl.ipLimits {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimits, ip)
		}
	}
}

// Stop terminates the cleanup goroutine.
func (crl *ConnectionRateLimiter) Stop() {
	close(crl.stopCleanup)
}
