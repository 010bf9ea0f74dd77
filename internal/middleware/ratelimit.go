package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"
)

var log = logging.Logger("middleware")

const idleLimiter = 10 * time.Minute

// SharedLimiter is a limiter shared across instances, such as the Redis
// token bucket.
type SharedLimiter interface {
	AllowAction(identity, action string, rate, burst int) (bool, error)
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rps      int
	rate     rate.Limit
	burst    int
	shared   SharedLimiter
}

// NewRateLimiter limits each caller to rps requests per second with a
// burst of twice that. shared may be nil.
func NewRateLimiter(rps int, shared SharedLimiter) *RateLimiter {
	if rps < 1 {
		rps = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rps,
		rate:     rate.Limit(rps),
		burst:    rps * 2,
		shared:   shared,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.limiters[key]
	if !exists {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow reports whether key may act now. The shared limiter is consulted
// first; when it errors the local limiter decides.
func (rl *RateLimiter) Allow(key, action string) bool {
	if rl.shared != nil {
		ok, err := rl.shared.AllowAction(key, action, rl.rps, rl.burst)
		if err == nil {
			return ok
		}
		log.Debugw("shared rate limiter unavailable", "err", err)
	}
	return rl.getLimiter(key).Allow()
}

// Cleanup drops limiters idle for a while, until ctx is done
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.sweep(now)
			}
		}
	}()
}

func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, e := range rl.limiters {
		if now.Sub(e.lastSeen) > idleLimiter {
			delete(rl.limiters, k)
		}
	}
}

// RateLimitMiddleware limits requests per identity, or per client IP for
// unauthenticated routes.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(IdentityKey)
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key, c.FullPath()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}

		c.Next()
	}
}
