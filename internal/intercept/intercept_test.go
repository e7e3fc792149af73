package intercept

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dskow/telemock/internal/config"
	"github.com/dskow/telemock/internal/params"
	"github.com/dskow/telemock/internal/record"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []record.Record
	err     error
}

func (f *fakeRecorder) Write(rec record.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.records = append(f.records, rec)
	return "telemetry_test.json", nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func newLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func defaultOptions() Options {
	return OptionsFromConfig(config.Default().Proxy)
}

func TestRequest_MatchingHostGetsCannedResponse(t *testing.T) {
	rec := &fakeRecorder{}
	logger, _ := newLogger()
	i := New(rec, logger, defaultOptions())

	req := httptest.NewRequest("GET", "http://cdn.cribl.io/telemetry/index.html?v=4.15.1&fc.giv=3", nil)
	flow := &Flow{Request: req}
	i.Request(flow)

	if flow.Response == nil {
		t.Fatal("expected a response for the target host")
	}
	if flow.Response.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", flow.Response.StatusCode)
	}
	if string(flow.Response.Body) != "cribl /// living the stream!\n" {
		t.Errorf("body = %q", flow.Response.Body)
	}
	if ct := flow.Response.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if flow.Response.Header.Get("X-Intercepted") != "true" || flow.Response.Header.Get("Server") != "telemock" {
		t.Errorf("expected default extra headers, got %v", flow.Response.Header)
	}

	if rec.count() != 1 {
		t.Fatalf("expected one record, got %d", rec.count())
	}
	got := rec.records[0]
	if got.Mode != record.ModeIntercept || got.Method != "GET" || got.Path != "/telemetry/index.html" || got.Host != "cdn.cribl.io" {
		t.Errorf("unexpected record %+v", got)
	}
	if diff := cmp.Diff(params.Params{"v": "4.15.1", "fc.giv": "3"}, got.QueryParams); diff != "" {
		t.Errorf("query params mismatch (-want +got):\n%s", diff)
	}
	if got.URL != "http://cdn.cribl.io/telemetry/index.html?v=4.15.1&fc.giv=3" {
		t.Errorf("url = %q", got.URL)
	}
}

func TestRequest_NonMatchingHostUntouched(t *testing.T) {
	rec := &fakeRecorder{}
	logger, buf := newLogger()
	i := New(rec, logger, defaultOptions())

	for _, u := range []string{
		"http://example.com/telemetry/index.html?v=1",
		"http://cribl.io/",
		"http://localhost:9000/cdn.cribl.io",
	} {
		flow := &Flow{Request: httptest.NewRequest("GET", u, nil)}
		i.Request(flow)
		if flow.Response != nil {
			t.Errorf("%s: expected no response, got %+v", u, flow.Response)
		}
	}
	if rec.count() != 0 {
		t.Errorf("expected no records, got %d", rec.count())
	}
	if strings.Contains(buf.String(), "telemetry intercepted") {
		t.Error("non-matching requests must not be logged as telemetry")
	}
}

func TestRequest_SubdomainAndPortMatch(t *testing.T) {
	rec := &fakeRecorder{}
	logger, _ := newLogger()
	i := New(rec, logger, defaultOptions())

	flow := &Flow{Request: httptest.NewRequest("GET", "https://eu.CDN.cribl.io:443/telemetry/index.html", nil)}
	i.Request(flow)
	if flow.Response == nil {
		t.Fatal("expected subdomain with port to match")
	}
}

func TestRequest_WriteFailureStillResponds(t *testing.T) {
	for _, tc := range []struct {
		name    string
		err     error
		wantLog string
	}{
		{"disk error", errors.New("disk full"), "capture write failed"},
		{"throttled", record.ErrThrottled, "capture skipped"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logger, buf := newLogger()
			i := New(&fakeRecorder{err: tc.err}, logger, defaultOptions())

			flow := &Flow{Request: httptest.NewRequest("GET", "http://cdn.cribl.io/telemetry/index.html", nil)}
			i.Request(flow)

			if flow.Response == nil || string(flow.Response.Body) != CannedBody {
				t.Fatal("expected canned response despite recording failure")
			}
			if !strings.Contains(buf.String(), tc.wantLog) {
				t.Errorf("expected %q in log, got: %s", tc.wantLog, buf.String())
			}
		})
	}
}

func TestRequest_DiagnosticLine(t *testing.T) {
	logger, buf := newLogger()
	i := New(&fakeRecorder{}, logger, defaultOptions())

	i.Request(&Flow{Request: httptest.NewRequest("GET", "http://cdn.cribl.io/telemetry/index.html?v=4.15.1&lic=free", nil)})

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		if m["msg"] == "telemetry intercepted" {
			entry = m
		}
	}
	if entry == nil {
		t.Fatalf("no diagnostic line in: %s", buf.String())
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %v", entry["method"])
	}
	var qp map[string]string
	if err := json.Unmarshal([]byte(entry["query_params"].(string)), &qp); err != nil {
		t.Fatalf("query_params is not serialized JSON: %v", err)
	}
	if qp["lic"] != "free" {
		t.Errorf("query params = %v", qp)
	}
	if _, ok := entry["unknown_params"]; ok {
		t.Error("non-verbose line should not list unknown params")
	}
}

func TestRequest_VerboseGroupsParams(t *testing.T) {
	logger, buf := newLogger()
	opts := defaultOptions()
	opts.Verbose = true
	i := New(&fakeRecorder{}, logger, opts)

	i.Request(&Flow{Request: httptest.NewRequest("GET", "http://cdn.cribl.io/telemetry/index.html?v=4.15.1&fc.giv=3&zz.new=1", nil)})

	out := buf.String()
	if !strings.Contains(out, `"version":{"v":"4.15.1"}`) {
		t.Errorf("expected version group, got: %s", out)
	}
	if !strings.Contains(out, `"feature_usage":{"fc.giv":"3"}`) {
		t.Errorf("expected feature_usage group, got: %s", out)
	}
	if !strings.Contains(out, `"unknown_params":["zz.new"]`) {
		t.Errorf("expected unknown params listed, got: %s", out)
	}
}

func TestSetOptions_HotReload(t *testing.T) {
	rec := &fakeRecorder{}
	logger, _ := newLogger()
	i := New(rec, logger, defaultOptions())

	opts := defaultOptions()
	opts.TargetHost = "telemetry.example.com"
	opts.ResponseHeaders = map[string]string{"X-Mock": "1"}
	i.SetOptions(opts)

	old := &Flow{Request: httptest.NewRequest("GET", "http://cdn.cribl.io/", nil)}
	i.Request(old)
	if old.Response != nil {
		t.Error("old target should no longer match")
	}

	next := &Flow{Request: httptest.NewRequest("GET", "http://telemetry.example.com/", nil)}
	i.Request(next)
	if next.Response == nil {
		t.Fatal("new target should match")
	}
	if next.Response.Header.Get("X-Mock") != "1" || next.Response.Header.Get("X-Intercepted") != "" {
		t.Errorf("expected replaced extra headers, got %v", next.Response.Header)
	}
	if !i.Matches("telemetry.example.com:80") {
		t.Error("Matches should follow the new target")
	}
}

func TestRequest_CaptureBody(t *testing.T) {
	rec := &fakeRecorder{}
	logger, _ := newLogger()
	opts := defaultOptions()
	opts.CaptureBody = true
	opts.MaxBodyBytes = 8
	i := New(rec, logger, opts)

	req := httptest.NewRequest("POST", "http://cdn.cribl.io/telemetry/index.html", strings.NewReader("0123456789abcdef"))
	i.Request(&Flow{Request: req})

	if rec.count() != 1 {
		t.Fatal("expected a record")
	}
	if string(rec.records[0].Body) != `"01234567"` {
		t.Errorf("body = %s, want truncated JSON string", rec.records[0].Body)
	}
	rest, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest) != "0123456789abcdef" {
		t.Errorf("request body not restored, got %q", rest)
	}
}

func TestRequest_WritesCaptureFile(t *testing.T) {
	dir := t.TempDir()
	logger, _ := newLogger()
	r, err := record.New(dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	i := New(r, logger, defaultOptions())

	i.Request(&Flow{Request: httptest.NewRequest("GET", "http://cdn.cribl.io/telemetry/index.html?v=1", nil)})
	i.Request(&Flow{Request: httptest.NewRequest("GET", "http://example.com/", nil)})

	files, err := filepath.Glob(filepath.Join(dir, "telemetry_*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected exactly one capture file, got %v", files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"mode": "intercept"`) {
		t.Errorf("unexpected capture: %s", data)
	}
}

func TestCanned_WriteTo(t *testing.T) {
	w := httptest.NewRecorder()
	if err := Canned(map[string]string{"Content-Type": "application/json", "Server": "x"}).WriteTo(w); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || w.Body.String() != CannedBody {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != CannedContentType {
		t.Errorf("extra headers must not override content type, got %q", ct)
	}
	if w.Header().Get("Server") != "x" {
		t.Error("expected extra header")
	}
}
