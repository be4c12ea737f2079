package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/metrics"
	"github.com/flightline/fleet/pkg/models"
)

// requestLogger logs every request and feeds the HTTP metrics. Health and
// metrics probes are logged at debug to keep the log readable.
func requestLogger(logger *slog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		if m != nil {
			m.ObserveRequest(c.Request.Method, path, strconv.Itoa(status), elapsed)
		}

		level := slog.LevelInfo
		if path == "/health" || path == "/metrics" {
			level = slog.LevelDebug
		}
		logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"client_ip", c.ClientIP())
	}
}

// corsMiddleware applies the configured CORS policy. With no explicit origin
// list every origin is allowed.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case origin == "":
		case len(allowed) == 0:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// bucket is one client's token bucket.
type bucket struct {
	tokens float64
	last   time.Time
}

// rateLimiter enforces a per-client-IP request budget. Buckets refill at
// rpm/minute up to a burst of rpm.
type rateLimiter struct {
	rpm     float64
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
}

func newRateLimiter(rpm int) *rateLimiter {
	return &rateLimiter{rpm: float64(rpm), buckets: make(map[string]*bucket)}
}

func (rl *rateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.calls++; rl.calls%1024 == 0 {
		rl.prune(now)
	}

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: rl.rpm, last: now}
		rl.buckets[ip] = b
	}
	b.tokens += now.Sub(b.last).Minutes() * rl.rpm
	if b.tokens > rl.rpm {
		b.tokens = rl.rpm
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// prune drops buckets idle long enough to be full again. Callers hold rl.mu.
func (rl *rateLimiter) prune(now time.Time) {
	for ip, b := range rl.buckets {
		if now.Sub(b.last) > time.Minute {
			delete(rl.buckets, ip)
		}
	}
}

// rateLimit rejects requests over the per-IP budget with 429. A zero rpm
// disables limiting.
func rateLimit(rpm int) gin.HandlerFunc {
	if rpm <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	rl := newRateLimiter(rpm)
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error:     "rate_limited",
				Details:   "request budget exhausted, retry later",
				Timestamp: models.Now().Format(time.RFC3339Nano),
			})
			return
		}
		c.Next()
	}
}
