// Package limits throttles connection accepts to keep a flood of TCP
// dials from starving established sessions.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AcceptLimiter rate-limits connection accepts at two levels: a global
// token bucket protects the whole process, and per-IP buckets keep one
// client from consuming the global budget.
type AcceptLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AcceptLimiterConfig holds accept limiter settings. Zero values fall
// back to defaults suitable for a single public listener.
type AcceptLimiterConfig struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64

	Logger zerolog.Logger
}

// NewAcceptLimiter creates an accept limiter and starts its stale-entry
// cleanup loop.
func NewAcceptLimiter(config AcceptLimiterConfig) *AcceptLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 20
	}
	if config.IPRate == 0 {
		config.IPRate = 10
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 1000
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 500
	}

	al := &AcceptLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "accept_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	al.cleanupTicker = time.NewTicker(time.Minute)
	go al.cleanupLoop()

	return al
}

// Allow reports whether a connection from ip may proceed. The global
// bucket is checked first so a distributed flood is cut off before the
// per-IP map grows.
func (al *AcceptLimiter) Allow(ip string) bool {
	if !al.globalLimiter.Allow() {
		al.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		return false
	}
	if !al.ipLimiter(ip).Allow() {
		al.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		return false
	}
	return true
}

func (al *AcceptLimiter) ipLimiter(ip string) *rate.Limiter {
	al.ipMu.Lock()
	defer al.ipMu.Unlock()

	if entry, ok := al.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(al.ipRate), al.ipBurst)
	al.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (al *AcceptLimiter) cleanupLoop() {
	for {
		select {
		case <-al.cleanupTicker.C:
			al.cleanup()
		case <-al.stopCleanup:
			al.cleanupTicker.Stop()
			return
		}
	}
}

func (al *AcceptLimiter) cleanup() {
	al.ipMu.Lock()
	defer al.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range al.ipLimiters {
		if now.Sub(entry.lastAccess) > al.ipTTL {
			delete(al.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		al.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(al.ipLimiters)).
			Msg("Cleaned up stale per-IP limiters")
	}
}

// TrackedIPs reports how many per-IP buckets are currently held.
func (al *AcceptLimiter) TrackedIPs() int {
	al.ipMu.Lock()
	defer al.ipMu.Unlock()
	return len(al.ipLimiters)
}

// Stop halts the cleanup loop.
func (al *AcceptLimiter) Stop() {
	close(al.stopCleanup)
}
