package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/telekom/audit-relay/pkg/metrics"
)

// Config holds rate limiter configuration
type Config struct {
	// Rate is the number of requests allowed per second per key
	Rate float64
	// Burst is the maximum number of requests allowed in a burst
	Burst int
	// CleanupInterval is how often to clean up stale entries
	CleanupInterval time.Duration
	// MaxAge is how long to keep an entry after last access
	MaxAge time.Duration
}

// DefaultIngestConfig returns the default for producer endpoints: 50 req/s
// per client, burst of 200 so a branch tablet can drain its own backlog.
func DefaultIngestConfig() Config {
	return Config{
		Rate:            50,
		Burst:           200,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

// KeyFunc extracts the bucket key from a request.
type KeyFunc func(c *gin.Context) string

// ByClientIP buckets requests per client address.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByHeader buckets by a request header, falling back to the client address
// when the header is absent.
func ByHeader(name string) KeyFunc {
	return func(c *gin.Context) string {
		if v := c.GetHeader(name); v != "" {
			return name + ":" + v
		}
		return c.ClientIP()
	}
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	config  Config
	clock   clock.WithTicker
	key     KeyFunc
	done    chan struct{}
	once    sync.Once
}

// New creates a limiter and starts its cleanup goroutine. A nil key buckets by
// client IP; a nil clock uses the real clock.
func New(cfg Config, key KeyFunc, clk clock.WithTicker) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if key == nil {
		key = ByClientIP
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	rl := &Limiter{
		entries: make(map[string]*entry),
		config:  cfg,
		clock:   clk,
		key:     key,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request for key may proceed now.
func (rl *Limiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	e, exists := rl.entries[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst)}
		rl.entries[key] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1)
}

// Middleware rejects over-limit requests with 429 and a Retry-After hint.
func (rl *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := "1"
	if rl.config.Rate > 0 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / rl.config.Rate)))
	}
	return func(c *gin.Context) {
		if !rl.Allow(rl.key(c)) {
			metrics.APIRateLimited.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded, please try again later",
			})
			return
		}
		c.Next()
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *Limiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

func (rl *Limiter) cleanup() {
	ticker := rl.clock.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C():
			rl.cleanupStaleEntries()
		}
	}
}

func (rl *Limiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for k, e := range rl.entries {
		if now.Sub(e.lastAccess) > rl.config.MaxAge {
			delete(rl.entries, k)
		}
	}
}

// Len returns the number of tracked keys.
func (rl *Limiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
