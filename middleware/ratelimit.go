package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"wylloh/config"
	"wylloh/logging"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client. Authenticated requests are
// keyed by principal, anonymous ones by client IP.
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	config   config.RateLimitConfig
	now      func() time.Time
	logger   *logging.Logger
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		config:   cfg,
		now:      time.Now,
		logger:   logging.GetLogger().WithComponent("ratelimit"),
	}
}

// getLimiter returns the client's limiter, creating it on first use.
func (rl *RateLimiter) getLimiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cl, ok := rl.limiters[client]; ok {
		cl.lastSeen = rl.now()
		return cl.limiter
	}

	ratePerSec := float64(rl.config.RequestsPerMin) / 60.0
	cl := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), rl.config.Burst),
		lastSeen: rl.now(),
	}
	rl.limiters[client] = cl
	return cl.limiter
}

func clientKey(c *gin.Context) string {
	if principal, ok := Principal(c); ok {
		return "principal:" + principal
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects over-limit requests with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled {
			c.Next()
			return
		}

		client := clientKey(c)
		reservation := rl.getLimiter(client).Reserve()
		if !reservation.OK() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			next := rl.now().Add(delay)
			rl.logger.Warn("Rate limit exceeded for client %s. Next call allowed at %s (in %v)",
				client, next.Format("15:04:05"), delay.Round(time.Second))

			seconds := int(delay.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": FormatRateLimitError(delay)})
			return
		}

		c.Next()
	}
}

// PrintRateLimitInfo logs the configured limits at startup.
func (rl *RateLimiter) PrintRateLimitInfo(serviceName string) {
	if !rl.config.Enabled {
		rl.logger.Startup("Rate limiting: DISABLED")
		return
	}
	rl.logger.Startup("Rate limiting: ENABLED - %d requests/min (burst: %d) for %s",
		rl.config.RequestsPerMin, rl.config.Burst, serviceName)
	if rl.config.RequestsPerMin > 0 {
		rl.logger.Startup("Average time between allowed requests: %v",
			(time.Minute / time.Duration(rl.config.RequestsPerMin)).Round(time.Millisecond))
	}
}

// Cleanup drops limiters idle for longer than maxAge and reports how many
// were removed.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	removed := 0
	for client, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, client)
			removed++
		}
	}
	return removed
}

// Clients is the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// GetCurrentLimit returns the configured limits.
func (rl *RateLimiter) GetCurrentLimit() (requestsPerMin int, burst int, enabled bool) {
	return rl.config.RequestsPerMin, rl.config.Burst, rl.config.Enabled
}

// FormatRateLimitError describes when the client may retry.
func FormatRateLimitError(delay time.Duration) string {
	next := time.Now().Add(delay)
	return fmt.Sprintf("Rate limit exceeded. Please try again in %v (at %s)",
		delay.Round(time.Second), next.Format("15:04:05 MST"))
}
