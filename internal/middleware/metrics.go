// Package middleware provides HTTP middleware for metrics collection and request logging.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/auditq/internal/metrics"
	log "github.com/sirupsen/logrus"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// LoggingMiddleware logs one line per request. Status polls are logged at
// debug level since clients issue them every few seconds.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		endpoint := normalizeEndpoint(r.URL.Path)
		entry := log.WithFields(log.Fields{
			"method":   r.Method,
			"endpoint": endpoint,
			"status":   wrapped.statusCode,
			"duration": time.Since(start),
		})

		switch {
		case wrapped.statusCode >= http.StatusInternalServerError:
			entry.Warn("request failed")
		case endpoint == "/api/tasks/:id/status" || endpoint == "/api/tasks/status" || endpoint == "/metrics":
			entry.Debug("request served")
		default:
			entry.Info("request served")
		}
	})
}

func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/tasks/") && path != "/api/tasks/status":
		rest := strings.TrimPrefix(path, "/api/tasks/")
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 1 && parts[0] != "":
			return "/api/tasks/:id"
		case len(parts) == 2 && parts[1] == "status":
			return "/api/tasks/:id/status"
		}
		return path
	case strings.HasPrefix(path, "/api/history/task/"):
		return "/api/history/task/:id"
	case strings.HasPrefix(path, "/api/history/type/"):
		return "/api/history/type/:type"
	default:
		return path
	}
}
