package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-engine/internal/response"
)

// RateLimiter is a token bucket keyed by authenticated user, falling back to
// the client IP for anonymous requests.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // Tokens per interval
	interval time.Duration // Refill interval
	now      func() time.Time
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter (e.g., 10 requests per minute).
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		interval: interval,
		now:      time.Now,
	}
}

// Middleware returns a Gin middleware that rate-limits requests.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := GetUserID(c)
		if id == "" {
			id = c.ClientIP()
		}
		if !rl.Allow(id) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

// Allow takes a token from id's bucket.
func (rl *RateLimiter) Allow(id string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[id]
	if !exists {
		v = &visitor{tokens: rl.rate, lastSeen: now}
		rl.visitors[id] = v
	}

	// Refill tokens based on elapsed time.
	refill := int(now.Sub(v.lastSeen)/rl.interval) * rl.rate
	if refill > 0 {
		v.tokens += refill
		if v.tokens > rl.rate {
			v.tokens = rl.rate
		}
		v.lastSeen = now
	}

	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

// Cleanup drops buckets idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for id, v := range rl.visitors {
		if now.Sub(v.lastSeen) > maxIdle {
			delete(rl.visitors, id)
		}
	}
}
