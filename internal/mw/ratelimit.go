package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// ClientRateLimiter stores a rate limiter per client. Limiters of clients
// that stay quiet for idle are evicted.
type ClientRateLimiter struct {
	limiters *cache.Cache
	mu       sync.Mutex
	r        rate.Limit
	b        int
	idle     time.Duration
}

// NewClientRateLimiter creates a new ClientRateLimiter.
func NewClientRateLimiter(r rate.Limit, b int, idle time.Duration) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: cache.New(idle, 2*idle),
		r:        r,
		b:        b,
		idle:     idle,
	}
}

// GetLimiter returns the rate limiter for a client, creating it on first use.
func (l *ClientRateLimiter) GetLimiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, found := l.limiters.Get(client); found {
		limiter := v.(*rate.Limiter)
		l.limiters.Set(client, limiter, l.idle)
		return limiter
	}
	limiter := rate.NewLimiter(l.r, l.b)
	l.limiters.Set(client, limiter, l.idle)
	return limiter
}

// RateLimiter is a middleware limiting each identified user, or each IP for
// anonymous requests.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	limiter := NewClientRateLimiter(r, b, 10*time.Minute)
	return func(c *gin.Context) {
		client := "ip:" + c.ClientIP()
		if id := c.GetHeader(UserIDHeader); id != "" {
			client = "user:" + id
		}
		if !limiter.GetLimiter(client).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "kind": "rate_limited"})
			return
		}
		c.Next()
	}
}
