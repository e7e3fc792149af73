// Package record persists captured telemetry requests as one JSON file per
// request and amends them with response data after the fact.
package record

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/telemock/internal/params"
)

// Capture modes.
const (
	ModeIntercept = "intercept"
	ModeMock      = "mock"
)

// Record is one captured request, optionally amended with the response that
// was served for it.
type Record struct {
	Timestamp   time.Time         `json:"timestamp"`
	Type        string            `json:"type"`
	Mode        string            `json:"mode,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Host        string            `json:"host"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers"`
	QueryParams params.Params     `json:"query_params"`
	Body        json.RawMessage   `json:"body"`
	Response    *Response         `json:"response,omitempty"`
}

// Response is the data merged into a record by Recorder.Amend.
type Response struct {
	StatusCode int     `json:"status_code"`
	Body       string  `json:"body"`
	LatencyMs  float64 `json:"latency_ms"`
}

// FromRequest builds a record from an incoming request. The body is left
// empty; callers that capture bodies set it with SetBody. Requests without
// an X-Request-ID get a fresh one.
func FromRequest(r *http.Request, mode string) Record {
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	rec := Record{
		Type:        "request",
		Mode:        mode,
		RequestID:   r.Header.Get("X-Request-ID"),
		Method:      r.Method,
		Path:        r.URL.Path,
		Host:        host,
		Headers:     FlattenHeader(r.Header),
		QueryParams: params.FromQuery(r.URL.Query()),
	}
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if mode == ModeIntercept {
		rec.URL = r.URL.String()
	}
	return rec
}

// SetBody stores b as the record body. Valid JSON is embedded as-is and
// anything else is stored as a JSON string. An empty body stays null.
func (r *Record) SetBody(b []byte) {
	if len(b) == 0 {
		r.Body = nil
		return
	}
	if json.Valid(b) {
		r.Body = json.RawMessage(append([]byte(nil), b...))
		return
	}
	s, _ := json.Marshal(string(b))
	r.Body = s
}

// FlattenHeader keeps the first value of each header, keyed by its
// canonical name.
func FlattenHeader(in http.Header) map[string]string {
	out := make(map[string]string, len(in))
	for k, vv := range in {
		if len(vv) == 0 {
			out[k] = ""
			continue
		}
		out[k] = vv[0]
	}
	return out
}
