package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func serve(h *Handler, method, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestLiveness_ExactBody(t *testing.T) {
	rec := serve(New(slog.Default()), "GET", "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"healthy"}` {
		t.Errorf("unexpected body %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestLiveness_NoSideEffects(t *testing.T) {
	var calls atomic.Int32
	h := New(slog.Default(), Check{Name: "count", Fn: func(context.Context) error {
		calls.Add(1)
		return nil
	}})

	for i := 0; i < 3; i++ {
		serve(h, "GET", "/health")
	}
	if calls.Load() != 0 {
		t.Errorf("liveness must not run readiness checks, ran %d", calls.Load())
	}
}

func TestLiveness_RejectsPost(t *testing.T) {
	rec := serve(New(slog.Default()), "POST", "/health")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestReadiness_WritableDir(t *testing.T) {
	dir := t.TempDir()
	rec := serve(New(slog.Default(), DirWritable("capture_dir", dir)), "GET", "/ready")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ready" || body.Checks["capture_dir"] != "ok" {
		t.Errorf("unexpected readiness body %+v", body)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
}

func TestReadiness_MissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	rec := serve(New(slog.Default(), DirWritable("capture_dir", dir)), "GET", "/ready")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "not ready" {
		t.Errorf("expected 'not ready', got %v", body["status"])
	}
}

func TestReadiness_CachesResult(t *testing.T) {
	var calls atomic.Int32
	h := New(slog.Default(), Check{Name: "flaky", Fn: func(context.Context) error {
		if calls.Add(1) > 1 {
			return errors.New("second call")
		}
		return nil
	}})

	first := serve(h, "GET", "/ready")
	second := serve(h, "GET", "/ready")

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Errorf("expected cached 200s, got %d then %d", first.Code, second.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one check run, got %d", calls.Load())
	}
}

func TestReadiness_NoChecks(t *testing.T) {
	rec := serve(New(slog.Default()), "GET", "/ready")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with no checks, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}
