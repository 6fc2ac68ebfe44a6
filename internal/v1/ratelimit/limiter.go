// Package ratelimit implements handshake rate limiting using an in-memory store.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/logging"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

// RateLimiter guards the WebSocket handshake endpoint. The proxy is
// single-process, so a memory store is sufficient.
type RateLimiter struct {
	wsIP  *limiter.Limiter
	store limiter.Store
}

// NewRateLimiter creates a RateLimiter from a formatted rate such as "100-M".
func NewRateLimiter(wsIPRate string) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	store := memory.NewStore()

	return &RateLimiter{
		wsIP:  limiter.New(store, rate),
		store: store,
	}, nil
}

// CheckWebSocket checks if a WebSocket connection should be allowed.
// Returns true if allowed, false if the limit is exceeded (and writes the error response).
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
