package mock

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/dskow/telemock/internal/middleware"
	"github.com/dskow/telemock/internal/params"
	"github.com/dskow/telemock/internal/record"
)

const wantBody = "cribl /// living the stream!\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newRecorder(t *testing.T) *record.Recorder {
	t.Helper()
	r, err := record.New(filepath.Join(t.TempDir(), "logs"), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.(*Handler).RegisterRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestTelemetry_CannedResponse(t *testing.T) {
	h := New(newRecorder(t), discardLogger())
	w := serve(h, "GET", "/telemetry/index.html?v=4.15.1&env=prod")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != wantBody {
		t.Errorf("body = %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
}

func TestTelemetry_RecordsAndAmends(t *testing.T) {
	rec := newRecorder(t)
	h := New(rec, discardLogger())

	req := httptest.NewRequest("GET", "/telemetry/index.html?v=4.15.1&fc.giv=3&guid=abc", nil)
	req.Header.Set("User-Agent", "cribl/4.15.1")
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.ServeHTTP(httptest.NewRecorder(), req)

	entries, err := rec.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one capture, got %d", len(entries))
	}
	got := entries[0].Record

	if got.Mode != record.ModeMock || got.Method != "GET" || got.Path != "/telemetry/index.html" {
		t.Errorf("unexpected record %+v", got)
	}
	if got.URL != "" {
		t.Errorf("mock captures carry no url, got %q", got.URL)
	}
	if got.Headers["User-Agent"] != "cribl/4.15.1" {
		t.Errorf("headers = %v", got.Headers)
	}
	if diff := cmp.Diff(params.Params{"v": "4.15.1", "fc.giv": "3", "guid": "abc"}, got.QueryParams); diff != "" {
		t.Errorf("query params mismatch (-want +got):\n%s", diff)
	}
	if got.Body != nil {
		t.Errorf("body = %s, want null", got.Body)
	}
	if got.Response == nil {
		t.Fatal("expected capture to be amended with the response")
	}
	if got.Response.StatusCode != 200 || got.Response.Body != wantBody {
		t.Errorf("response = %+v", got.Response)
	}
	if got.Response.LatencyMs < 0 {
		t.Errorf("latency = %v", got.Response.LatencyMs)
	}

	raw, err := os.ReadFile(filepath.Join(rec.Dir(), entries[0].Name))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if string(doc["body"]) != "null" {
		t.Errorf("body on disk = %s, want null", doc["body"])
	}
}

func TestTelemetry_HeadRecordsEmptyBody(t *testing.T) {
	rec := newRecorder(t)
	w := serve(New(rec, discardLogger()), "HEAD", "/telemetry/index.html?v=1")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	entries, err := rec.List(0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one capture, got %d (%v)", len(entries), err)
	}
	got := entries[0].Record
	if got.Method != "HEAD" || got.Response == nil {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Response.StatusCode != 200 || got.Response.Body != "" {
		t.Errorf("HEAD response = %+v, want 200 with empty body", got.Response)
	}
}

func TestTelemetry_RequestIDFromMiddleware(t *testing.T) {
	rec := newRecorder(t)
	mux := http.NewServeMux()
	New(rec, discardLogger()).RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/telemetry/index.html?v=1", nil)
	req.Header.Set("User-Agent", "cribl/4.15.1")
	w := httptest.NewRecorder()
	middleware.RequestID(mux).ServeHTTP(w, req)

	entries, err := rec.List(0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one capture, got %d (%v)", len(entries), err)
	}
	got := entries[0].Record
	if got.RequestID == "" || got.RequestID != w.Header().Get("X-Request-ID") {
		t.Errorf("request_id = %q, response header = %q", got.RequestID, w.Header().Get("X-Request-ID"))
	}
	if diff := cmp.Diff(map[string]string{"User-Agent": "cribl/4.15.1"}, got.Headers); diff != "" {
		t.Errorf("captured headers differ from what the client sent (-want +got):\n%s", diff)
	}
}

func TestTelemetry_NoQueryParams(t *testing.T) {
	rec := newRecorder(t)
	serve(New(rec, discardLogger()), "GET", "/telemetry/index.html")

	entries, err := rec.List(0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one capture, got %d (%v)", len(entries), err)
	}
	raw, err := os.ReadFile(filepath.Join(rec.Dir(), entries[0].Name))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"query_params": {}`) {
		t.Errorf("expected empty query_params object, got: %s", raw)
	}
}

func TestTelemetry_MethodNotAllowed(t *testing.T) {
	rec := newRecorder(t)
	w := serve(New(rec, discardLogger()), "POST", "/telemetry/index.html")

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
	if w.Header().Get("Allow") != "GET, HEAD" {
		t.Errorf("Allow = %q", w.Header().Get("Allow"))
	}
	if names, _ := rec.Names(); len(names) != 0 {
		t.Errorf("rejected requests must not be recorded, got %v", names)
	}
}

type failingRecorder struct {
	writeErr error
	amendErr error

	mu      sync.Mutex
	amended int
}

func (f *failingRecorder) Write(record.Record) (string, error) {
	if f.writeErr != nil {
		return "", f.writeErr
	}
	return "capture.json", nil
}

func (f *failingRecorder) Amend(string, record.Response) error {
	f.mu.Lock()
	f.amended++
	f.mu.Unlock()
	return f.amendErr
}

func TestTelemetry_RecordingFailuresDoNotChangeResponse(t *testing.T) {
	tests := []struct {
		name        string
		rec         *failingRecorder
		wantAmended int
	}{
		{"write fails", &failingRecorder{writeErr: errors.New("disk full")}, 0},
		{"throttled", &failingRecorder{writeErr: record.ErrThrottled}, 0},
		{"amend fails", &failingRecorder{amendErr: errors.New("corrupt")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(New(tt.rec, discardLogger()), "GET", "/telemetry/index.html?v=1")
			if w.Code != http.StatusOK || w.Body.String() != wantBody {
				t.Errorf("got %d %q", w.Code, w.Body.String())
			}
			if tt.rec.amended != tt.wantAmended {
				t.Errorf("amend calls = %d, want %d", tt.rec.amended, tt.wantAmended)
			}
		})
	}
}

func TestTelemetry_CannedResponseForAnyQuery(t *testing.T) {
	h := New(&failingRecorder{}, discardLogger())

	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9._]{0,8}`), 0, 20).Draw(t, "keys")
		q := url.Values{}
		for _, k := range keys {
			q.Add(k, rapid.String().Draw(t, "value"))
		}

		w := serve(h, "GET", "/telemetry/index.html?"+q.Encode())
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d for query %q", w.Code, q.Encode())
		}
		if w.Body.String() != wantBody {
			t.Fatalf("body = %q for query %q", w.Body.String(), q.Encode())
		}
	})
}

func TestTelemetry_ConcurrentCallsGetDistinctFiles(t *testing.T) {
	rec := newRecorder(t)
	h := New(rec, discardLogger())

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(h, "GET", "/telemetry/index.html?v=1")
		}()
	}
	wg.Wait()

	names, err := rec.Names()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != n {
		t.Errorf("expected %d capture files, got %d", n, len(names))
	}
}
