package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/telemock/internal/metrics"
)

const (
	filePrefix = "telemetry_"
	fileExt    = ".json"

	// maxCollisionSuffix bounds the _<n> suffixes tried when a file with the
	// generated name already exists (another process sharing the directory).
	maxCollisionSuffix = 1000
)

var (
	// ErrThrottled is returned by Write when the configured write budget is
	// exhausted. The request is still served; only the capture is skipped.
	ErrThrottled = errors.New("capture write throttled")

	// ErrNotFound is returned by Load when no capture has the given name.
	ErrNotFound = errors.New("capture not found")

	// ErrInvalidName is returned by Load for names outside the capture
	// naming scheme.
	ErrInvalidName = errors.New("invalid capture name")
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithMaxWritesPerSecond limits capture writes. Zero or negative disables
// the limit.
func WithMaxWritesPerSecond(rps float64) Option {
	return func(r *Recorder) { r.limiter = newLimiter(rps) }
}

// Recorder writes one JSON file per captured request into a directory.
//
// File names embed a microsecond timestamp. Timestamps handed out by a
// Recorder are strictly increasing, so names never collide within a
// process; files are also created with O_EXCL so a second process sharing
// the directory cannot overwrite them.
type Recorder struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	last    time.Time
	limiter *rate.Limiter

	obsMu     sync.RWMutex
	observers []func(path string, rec Record)
}

// New creates a Recorder rooted at dir, creating the directory and any
// missing parents.
func New(dir string, logger *slog.Logger, opts ...Option) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating capture directory: %w", err)
	}
	r := &Recorder{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Dir returns the capture directory.
func (r *Recorder) Dir() string { return r.dir }

// SetMaxWritesPerSecond replaces the write budget. Safe to call while
// requests are being recorded (used on config reload).
func (r *Recorder) SetMaxWritesPerSecond(rps float64) {
	r.mu.Lock()
	r.limiter = newLimiter(rps)
	r.mu.Unlock()
}

// OnWrite registers fn to be called after every successful Write and
// Amend. An amended capture is delivered a second time with its Response
// set.
func (r *Recorder) OnWrite(fn func(path string, rec Record)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// nextTimestamp returns a UTC, microsecond-truncated instant strictly after
// the previous one. It reports false when the write budget is exhausted.
func (r *Recorder) nextTimestamp() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limiter != nil && !r.limiter.Allow() {
		return time.Time{}, false
	}

	ts := r.now().UTC().Truncate(time.Microsecond)
	if !ts.After(r.last) {
		ts = r.last.Add(time.Microsecond)
	}
	r.last = ts
	return ts, true
}

// FileName returns the capture file name for ts.
func FileName(ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s%s_%06d%s", filePrefix, ts.Format("20060102_150405"), ts.Nanosecond()/1000, fileExt)
}

// Write stamps rec with the capture time, serializes it as indented JSON to
// a fresh file and returns the file path. The path is the handle to pass to
// Amend.
func (r *Recorder) Write(rec Record) (string, error) {
	ts, ok := r.nextTimestamp()
	if !ok {
		metrics.CaptureWrites.WithLabelValues("write", "throttled").Inc()
		return "", ErrThrottled
	}
	rec.Timestamp = ts
	if rec.Type == "" {
		rec.Type = "request"
	}
	if rec.QueryParams == nil {
		rec.QueryParams = map[string]string{}
	}
	if rec.Headers == nil {
		rec.Headers = map[string]string{}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		metrics.CaptureWrites.WithLabelValues("write", "error").Inc()
		return "", fmt.Errorf("encoding capture: %w", err)
	}
	data = append(data, '\n')

	path, err := r.create(FileName(ts), data)
	if err != nil {
		metrics.CaptureWrites.WithLabelValues("write", "error").Inc()
		return "", err
	}
	metrics.CaptureWrites.WithLabelValues("write", "ok").Inc()

	r.logger.Debug("capture written", "method", rec.Method, "path", rec.Path, "file", path)

	r.notify(path, rec)
	return path, nil
}

func (r *Recorder) notify(path string, rec Record) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(path, rec)
	}
}

// create writes data to a new file named name in the capture directory,
// falling back to name_<n>.json when the name is already taken.
func (r *Recorder) create(name string, data []byte) (string, error) {
	base := strings.TrimSuffix(name, fileExt)
	for n := 0; n < maxCollisionSuffix; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, n, fileExt)
		}
		path := filepath.Join(r.dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating capture file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("writing capture file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("closing capture file: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("creating capture file: no free name for %s", name)
}

// Amend merges resp into the capture stored at path. Fields other than
// "response" are preserved exactly as found on disk.
func (r *Recorder) Amend(path string, resp Response) error {
	data, err := os.ReadFile(path)
	if err != nil {
		metrics.CaptureWrites.WithLabelValues("amend", "error").Inc()
		return fmt.Errorf("reading capture file: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		metrics.CaptureWrites.WithLabelValues("amend", "error").Inc()
		return fmt.Errorf("parsing capture file: %w", err)
	}
	if doc == nil {
		metrics.CaptureWrites.WithLabelValues("amend", "error").Inc()
		return fmt.Errorf("parsing capture file: not a JSON object")
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		metrics.CaptureWrites.WithLabelValues("amend", "error").Inc()
		return fmt.Errorf("encoding response: %w", err)
	}
	doc["response"] = encoded

	out, err := marshalOrdered(doc)
	if err != nil {
		metrics.CaptureWrites.WithLabelValues("amend", "error").Inc()
		return fmt.Errorf("encoding capture: %w", err)
	}

	if err := replaceFile(path, out); err != nil {
		metrics.CaptureWrites.WithLabelValues("amend", "error").Inc()
		return err
	}
	metrics.CaptureWrites.WithLabelValues("amend", "ok").Inc()

	r.logger.Debug("capture amended", "file", path, "status", resp.StatusCode, "latency_ms", resp.LatencyMs)

	var amended Record
	if err := json.Unmarshal(out, &amended); err != nil {
		r.logger.Warn("decoding amended capture for observers", "file", path, "error", err)
		return nil
	}
	if string(amended.Body) == "null" {
		amended.Body = nil
	}
	r.notify(path, amended)
	return nil
}

// fieldOrder is the key order used when re-encoding an amended capture so
// the file reads the same as a freshly written one.
var fieldOrder = []string{
	"timestamp", "type", "mode", "request_id", "method", "path", "host", "url",
	"headers", "query_params", "body", "response",
}

// marshalOrdered re-encodes doc with the known fields first, in write
// order, followed by any other keys sorted by name.
func marshalOrdered(doc map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(doc))
	seen := make(map[string]bool, len(doc))
	for _, k := range fieldOrder {
		if _, ok := doc[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var extra []string
	for k := range doc {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	keys = append(keys, extra...)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(doc[k])
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// replaceFile atomically swaps the contents of path for data.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".amend-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("setting capture file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("replacing capture file: %w", err)
	}
	return nil
}
