package httpapi

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vncache/vncache/internal/logger"
)

const requestIDHeader = "X-Request-ID"

// requestID assigns a correlation id to every request, reusing one
// supplied by an upstream hop if present.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog writes one structured log line per request.
func accessLog() gin.HandlerFunc {
	log := logger.HTTP()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}
		event.
			Str("request_id", requestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

func requestIDFrom(c *gin.Context) string {
	if v, ok := c.Get("request_id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// securityHeaders sets the small set of headers that matter for a
// plain-text/JWT control API with no browser-rendered content.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Header("Server", "")
		c.Next()
	}
}

// maxRequestBodyBytes bounds the body gin will read for requests that
// carry one; connect/discovery/well-known never send a body, but a
// caller that tries to smuggle one should not be able to exhaust
// memory for it.
const maxRequestBodyBytes = 1 << 16

func sizeLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes)
		c.Next()
	}
}

// admissionControl refuses the WebSocket-upgrade leg of the connect
// route with 503 once maxConcurrentConnections are active (§5).
// Non-upgrade requests (step 1, discovery, well-known) are never
// counted or limited here.
type admissionControl struct {
	max     int64
	current int64
}

func newAdmissionControl(max int) *admissionControl {
	return &admissionControl{max: int64(max)}
}

func (a *admissionControl) guard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}
		if a.max > 0 {
			n := atomic.AddInt64(&a.current, 1)
			if n > a.max {
				atomic.AddInt64(&a.current, -1)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "OVERLOADED",
					"message": "maximum concurrent connections reached",
				})
				return
			}
			c.Set("admission_acquired", true)
		}
		c.Next()
	}
}

// release is called by the upgrade handler once the socket has closed
// (it is handed off to listener.Session.Run, which owns the connection
// past this point), or as soon as the handler rejects or fails the
// upgrade before any session starts.
func (a *admissionControl) release() {
	atomic.AddInt64(&a.current, -1)
}

