package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Rate limiter per IP
var (
	visitors   = make(map[string]*rate.Limiter)
	visitorsMu sync.RWMutex
)

func getVisitor(ip string, requestsPerMinute, burst int) *rate.Limiter {
	visitorsMu.RLock()
	limiter, exists := visitors[ip]
	visitorsMu.RUnlock()

	if !exists {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst)
		visitorsMu.Lock()
		visitors[ip] = limiter
		visitorsMu.Unlock()
	}
	return limiter
}

// cleanupVisitors clears the limiter map periodically to bound its size
func cleanupVisitors() {
	for {
		time.Sleep(10 * time.Minute)
		visitorsMu.Lock()
		visitors = make(map[string]*rate.Limiter)
		visitorsMu.Unlock()
	}
}

func init() {
	go cleanupVisitors()
}

// rateLimitMiddleware implements per-IP rate limiting on the public
// tracking endpoints.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := getVisitor(c.ClientIP(), s.cfg.RequestsPerMinute, s.cfg.BurstSize)
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
