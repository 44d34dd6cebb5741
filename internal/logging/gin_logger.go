package logging

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// sensitiveQueryKeys are masked before a request line is logged.
var sensitiveQueryKeys = []string{"code", "session_id", "key", "refresh_token", "state"}

// GinLogrusLogger returns a Gin middleware that writes one logrus line per request:
// status, latency, client IP, method, and path with credential-bearing query values masked.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := maskQuery(c.Request.URL.RawQuery)

		c.Next()

		if query != "" {
			path += "?" + query
		}
		latency := time.Since(start).Truncate(time.Millisecond)
		status := c.Writer.Status()
		line := fmt.Sprintf("%3d | %10v | %15s | %-6s %q", status, latency, c.ClientIP(), c.Request.Method, path)
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			line += " | " + msg
		}

		entry := log.WithField("component", "devbroker")
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(line)
		case status >= http.StatusBadRequest:
			entry.Warn(line)
		default:
			entry.Debug(line)
		}
	}
}

// GinLogrusRecovery returns a Gin middleware that logs panics with their stack and answers 500.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			panic(http.ErrAbortHandler)
		}
		log.WithFields(log.Fields{
			"component": "devbroker",
			"error":     recovered,
		}).Errorf("recovered from panic on %s\n%s", c.Request.URL.Path, debug.Stack())
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

func maskQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	changed := false
	for _, key := range sensitiveQueryKeys {
		if _, ok := values[key]; ok {
			values.Set(key, "***")
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return values.Encode()
}
