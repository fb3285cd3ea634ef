package mw

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// CallerRateLimiter stores a rate limiter per caller key.
type CallerRateLimiter struct {
	keys map[string]*rate.Limiter
	mu   *sync.RWMutex
	r    rate.Limit
	b    int
}

// NewCallerRateLimiter creates a limiter allowing r requests per second with burst b.
func NewCallerRateLimiter(r rate.Limit, b int) *CallerRateLimiter {
	return &CallerRateLimiter{
		keys: make(map[string]*rate.Limiter),
		mu:   &sync.RWMutex{},
		r:    r,
		b:    b,
	}
}

func (i *CallerRateLimiter) add(key string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	if limiter, exists := i.keys[key]; exists {
		return limiter
	}
	limiter := rate.NewLimiter(i.r, i.b)
	i.keys[key] = limiter
	return limiter
}

// GetLimiter returns the rate limiter for key, creating it on first use.
func (i *CallerRateLimiter) GetLimiter(key string) *rate.Limiter {
	i.mu.RLock()
	limiter, exists := i.keys[key]
	i.mu.RUnlock()

	if !exists {
		return i.add(key)
	}
	return limiter
}

// RateLimiter limits requests per authenticated cleaner, or per client IP
// before authentication has run.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	limiter := NewCallerRateLimiter(r, b)
	return func(c *gin.Context) {
		if !limiter.GetLimiter(callerKey(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited", "message": "too many requests"})
			return
		}
		c.Next()
	}
}
