// Package middleware provides the HTTP middleware shared by the mock server,
// the intercepting proxy and the admin API: access logging, request IDs,
// panic recovery and security headers.
package middleware

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// LogLevelNone is a sentinel value indicating no log entry should be emitted.
// It is higher than any slog.Level so logger.Enabled() will always return false.
const LogLevelNone slog.Level = slog.LevelError + 100

// ParseLogLevel converts a level string to a slog.Level.
// Returns slog.LevelInfo for empty or unknown strings.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return LogLevelNone
	default:
		return slog.LevelInfo
	}
}

// QuietPaths returns a level function that logs the given paths at debug
// and everything else at info. Used to keep probes out of the access log.
func QuietPaths(paths ...string) func(string) slog.Level {
	quiet := make(map[string]bool, len(paths))
	for _, p := range paths {
		quiet[p] = true
	}
	return func(path string) slog.Level {
		if quiet[path] {
			return slog.LevelDebug
		}
		return slog.LevelInfo
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code and
// byte count. It forwards Hijack and Flush so CONNECT tunnels and websocket
// upgrades work behind the access log.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
	hijacked   bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	sr.hijacked = true
	return hj.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Logging returns middleware that logs each request as structured JSON
// including method, host, path, status code, latency, and client IP.
// pathLevel maps a request path to its log level; pass nil for Info on
// every request.
func Logging(logger *slog.Logger, pathLevel func(string) slog.Level) func(http.Handler) http.Handler {
	if pathLevel == nil {
		pathLevel = func(string) slog.Level { return slog.LevelInfo }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := pathLevel(r.URL.Path)
			if level == LogLevelNone || !logger.Enabled(r.Context(), level) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"bytes", recorder.bytes,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if recorder.hijacked {
				attrs = append(attrs, "hijacked", true)
			}

			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}
