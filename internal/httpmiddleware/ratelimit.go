package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is an in-memory per-client token bucket. Scan bursts from a
// whole classroom arrive from distinct IPs, so keying on client IP spreads
// the load instead of throttling the room as one caller.
type RateLimiter struct {
	capacity  int
	perMinute int

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// idleEvict is how long a client bucket may sit untouched before the next
// sweep drops it.
const idleEvict = 10 * time.Minute

// NewRateLimiter creates a limiter allowing perMinute requests with bursts
// up to capacity. A non-positive capacity defaults to perMinute.
func NewRateLimiter(capacity, perMinute int) *RateLimiter {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &RateLimiter{
		capacity:  capacity,
		perMinute: perMinute,
		buckets:   make(map[string]*bucket),
		swept:     time.Now(),
	}
}

// Middleware enforces the limit per client IP. Exceeding it returns 429.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if !l.Allow(key, time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Allow reports whether the caller identified by key may proceed at now,
// consuming one token if so.
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > idleEvict {
		for k, b := range l.buckets {
			if now.Sub(b.last) > idleEvict {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.capacity), last: now}
		l.buckets[key] = b
	}

	refill := now.Sub(b.last).Minutes() * float64(l.perMinute)
	b.tokens += refill
	if b.tokens > float64(l.capacity) {
		b.tokens = float64(l.capacity)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
