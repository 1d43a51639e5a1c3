package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"moonit/internal/metrics"
)

const (
	limiterIdleTTL     = 10 * time.Minute
	limiterSweepPeriod = time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per user. Buckets idle for longer than ttl
// are swept while the pool is being used. ttl is never shorter than a full refill.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	every     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(perMinute, burst int) *limiterPool {
	if perMinute <= 0 {
		perMinute = 20
	}
	if burst <= 0 {
		burst = 5
	}
	interval := time.Minute / time.Duration(perMinute)
	ttl := limiterIdleTTL
	if refill := interval * time.Duration(burst); refill > ttl {
		ttl = refill
	}
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		every: rate.Every(interval),
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastSweep) >= limiterSweepPeriod {
		p.sweep(now)
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(p.every, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.lim
}

// sweep drops idle buckets. An idle bucket has refilled, so dropping it does not
// hand out extra tokens. Callers hold mu.
func (p *limiterPool) sweep(now time.Time) {
	for key, e := range p.m {
		if now.Sub(e.lastSeen) > p.ttl {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *limiterPool) allow(key string) bool {
	return p.get(key).Allow()
}

// rateLimit rejects requests of a user that exhausted its bucket. It runs after
// the auth middleware.
func (h *Handler) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := h.authorizedUserID(c)
		if !ok {
			c.Abort()
			return
		}
		if !h.limiter.allow(userID) {
			metrics.Completions.WithLabelValues("limited").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
