package api

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"signal-relay/internal/monitor"
)

// Per-(IP, route) rate limiters. Routes carry different budgets: broadcast
// 10/min, trade 30/min, heartbeat unlimited.
var (
	limiterMu sync.Mutex
	limiters  = make(map[string]*rate.Limiter)
)

func getLimiter(ip, route string, perMinute int) *rate.Limiter {
	key := ip + "|" + route

	limiterMu.Lock()
	defer limiterMu.Unlock()

	if l, ok := limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	limiters[key] = l
	return l
}

// Reset limiters periodically so the map does not grow without bound.
func init() {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiterMu.Lock()
			limiters = make(map[string]*rate.Limiter)
			limiterMu.Unlock()
		}
	}()
}

// RateLimitMiddleware enforces a per-IP budget for one route.
func RateLimitMiddleware(route string, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := getLimiter(c.ClientIP(), route, perMinute)
		if !limiter.Allow() {
			log.Printf("[RATE_LIMIT] %s exceeded %d/min on %s", c.ClientIP(), perMinute, route)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// CORSMiddleware handles cross-origin requests.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware tags every request for log correlation.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RequestLogger logs requests with timing and records API metrics.
func RequestLogger(metrics *monitor.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		requestID := c.GetString("RequestID")
		if len(requestID) > 8 {
			requestID = requestID[:8]
		}

		if metrics != nil {
			metrics.APIRequests.WithLabelValues(path, strconv.Itoa(status/100*100)).Inc()
		}
		log.Printf("[API] %s | %s %s | %d | %v | %s",
			requestID, c.Request.Method, path, status, latency, c.ClientIP())
	}
}

// monitorAuth requires a configured MONITOR API key on ingestion endpoints.
func (s *Server) monitorAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" || !s.monitorKeys[key] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_API_KEY",
				"error": "a MONITOR API key is required",
			})
			return
		}
		c.Next()
	}
}
