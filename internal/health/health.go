// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// livenessBody is the exact body the monitored client's tooling expects.
var livenessBody = []byte(`{"status":"healthy"}`)

const (
	readinessCacheTTL = 5 * time.Second
	checkTimeout      = 2 * time.Second
)

// Check is a named readiness probe. A nil error means ready.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// DirWritable returns a Check that creates and removes a probe file in dir.
func DirWritable(name, dir string) Check {
	return Check{
		Name: name,
		Fn: func(context.Context) error {
			f, err := os.CreateTemp(dir, ".ready-*")
			if err != nil {
				return fmt.Errorf("directory not writable: %w", err)
			}
			path := f.Name()
			f.Close()
			return os.Remove(path)
		},
	}
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	checks []Check
	logger *slog.Logger

	// Cached readiness result so frequent /ready polls do not touch the
	// filesystem every time. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health check Handler that runs checks on /ready.
func New(logger *slog.Logger, checks ...Check) *Handler {
	return &Handler{checks: checks, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		writeJSON(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	type checkResult struct {
		name   string
		status string
		ok     bool
	}

	ch := make(chan checkResult, len(h.checks))
	for _, c := range h.checks {
		go func(c Check) {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			if err := c.Fn(ctx); err != nil {
				h.logger.Warn("readiness check failed", "check", c.Name, "error", err)
				ch <- checkResult{name: c.Name, status: err.Error(), ok: false}
				return
			}
			ch <- checkResult{name: c.Name, status: "ok", ok: true}
		}(c)
	}

	results := make(map[string]string, len(h.checks))
	ready := true
	for range h.checks {
		res := <-ch
		results[res.name] = res.status
		if !res.ok {
			ready = false
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !ready {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]any{
		"status": statusStr,
		"checks": results,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	writeJSON(w, httpStatus, body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}
