// Package admin provides read-only endpoints for inspecting captures and the
// active configuration at runtime. All endpoints are protected by an IP
// allowlist and, when configured, JWT bearer auth.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/dskow/telemock/internal/apierror"
	"github.com/dskow/telemock/internal/auth"
	"github.com/dskow/telemock/internal/config"
	"github.com/dskow/telemock/internal/middleware"
	"github.com/dskow/telemock/internal/record"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// CaptureStore reads captures back from disk.
type CaptureStore interface {
	List(limit int) ([]record.Entry, error)
	Load(name string) (record.Record, error)
}

// Handler provides admin API endpoints.
type Handler struct {
	config      ConfigProvider
	store       CaptureStore
	stream      http.Handler
	allowedNets []*net.IPNet
	authCfg     config.AuthConfig
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). stream may be nil, in which case
// /admin/stream is not registered.
func New(cfg ConfigProvider, store CaptureStore, stream http.Handler, adminCfg config.AdminConfig, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(adminCfg.IPAllowlist))
	for _, cidr := range adminCfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		config:      cfg,
		store:       store,
		stream:      stream,
		allowedNets: nets,
		authCfg:     adminCfg.Auth,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/admin/captures", h.guard(http.HandlerFunc(h.listCaptures)))
	mux.Handle("/admin/captures/{name}", h.guard(http.HandlerFunc(h.getCapture)))
	mux.Handle("/admin/config", h.guard(http.HandlerFunc(h.configHandler)))
	if h.stream != nil {
		mux.Handle("/admin/stream", h.guard(h.stream))
	}
}

// guard applies, in order: method check, IP allowlist, bearer auth and
// security headers.
func (h *Handler) guard(next http.Handler) http.Handler {
	protected := middleware.SecurityHeaders()(auth.Middleware(h.authCfg, h.logger)(next))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "forbidden")
			return
		}
		protected.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) listCaptures(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > maxLimit {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	entries, err := h.store.List(limit)
	if err != nil {
		h.logger.Error("listing captures", "error", err)
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CaptureUnavailable, "capture directory unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"captures": entries,
		"count":    len(entries),
		"limit":    limit,
	})
}

func (h *Handler) getCapture(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, err := h.store.Load(name)
	switch {
	case errors.Is(err, record.ErrInvalidName):
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "invalid capture name")
		return
	case errors.Is(err, record.ErrNotFound):
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.CaptureNotFound, "capture not found")
		return
	case err != nil:
		h.logger.Error("loading capture", "file", name, "error", err)
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.CaptureUnavailable, "capture could not be read")
		return
	}
	writeJSON(w, http.StatusOK, record.Entry{Name: name, Record: rec})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Current()

	redacted := *cfg
	if redacted.Admin.Auth.JWTSecret != "" {
		redacted.Admin.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
