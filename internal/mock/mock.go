// Package mock serves the stand-in telemetry endpoint. Every call is
// recorded, answered with the canned response and then amended with the
// response that was served.
package mock

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dskow/telemock/internal/apierror"
	"github.com/dskow/telemock/internal/intercept"
	"github.com/dskow/telemock/internal/metrics"
	"github.com/dskow/telemock/internal/middleware"
	"github.com/dskow/telemock/internal/record"
)

// Path is the telemetry route the monitored client calls.
const Path = "/telemetry/index.html"

// Recorder persists and amends captures.
type Recorder interface {
	Write(rec record.Record) (string, error)
	Amend(path string, resp record.Response) error
}

// Handler serves Path.
type Handler struct {
	rec    Recorder
	logger *slog.Logger
}

// New creates a Handler.
func New(rec Recorder, logger *slog.Logger) *Handler {
	return &Handler{rec: rec, logger: logger}
}

// RegisterRoutes adds the telemetry route to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(Path, h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
		metrics.RequestsTotal.WithLabelValues(record.ModeMock, r.Method, "405").Inc()
		return
	}

	start := time.Now()
	rec := record.FromRequest(r, record.ModeMock)
	if id := middleware.GetRequestID(r.Context()); id != "" {
		rec.RequestID = id
	}

	file, err := h.rec.Write(rec)
	switch {
	case errors.Is(err, record.ErrThrottled):
		h.logger.Warn("capture skipped", "reason", "throttled", "path", r.URL.Path)
	case err != nil:
		h.logger.Error("capture write failed", "error", err, "path", r.URL.Path)
	default:
		h.logger.Info("telemetry recorded", "method", r.Method, "path", r.URL.Path, "file", file)
	}

	resp := intercept.Canned(nil)
	elapsed := time.Since(start)

	if file != "" {
		body := string(resp.Body)
		if r.Method == http.MethodHead {
			body = ""
		}
		amended := record.Response{
			StatusCode: resp.StatusCode,
			Body:       body,
			LatencyMs:  float64(elapsed.Microseconds()) / 1000,
		}
		if err := h.rec.Amend(file, amended); err != nil {
			h.logger.Error("capture amend failed", "error", err, "file", file)
		} else {
			h.logger.Debug("response recorded", "status", amended.StatusCode, "latency_ms", amended.LatencyMs)
		}
	}

	if err := resp.WriteTo(w); err != nil {
		h.logger.Warn("writing telemetry response", "error", err)
	}
	metrics.RequestsTotal.WithLabelValues(record.ModeMock, r.Method, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(record.ModeMock).Observe(time.Since(start).Seconds())
}
