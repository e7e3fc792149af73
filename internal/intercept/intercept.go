// Package intercept implements the proxy hook that recognises telemetry
// requests by host, records them and answers them with the canned response.
package intercept

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/dskow/telemock/internal/config"
	"github.com/dskow/telemock/internal/params"
	"github.com/dskow/telemock/internal/record"
	"github.com/dskow/telemock/internal/routing"
)

// Recorder persists captured requests.
type Recorder interface {
	Write(rec record.Record) (string, error)
}

// Flow is one request passing through the host proxy. The hook may set
// Response to answer the request instead of forwarding it.
type Flow struct {
	Request  *http.Request
	Response *Response
}

// Options are the hot-reloadable interceptor settings.
type Options struct {
	TargetHost      string
	Verbose         bool
	ResponseHeaders map[string]string
	CaptureBody     bool
	MaxBodyBytes    int64
}

// OptionsFromConfig extracts interceptor options from proxy config.
func OptionsFromConfig(cfg config.ProxyConfig) Options {
	return Options{
		TargetHost:      cfg.TargetHost,
		Verbose:         cfg.Verbose,
		ResponseHeaders: cfg.ResponseHeaders,
		CaptureBody:     cfg.CaptureBody,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	}
}

// Interceptor is safe for concurrent use.
type Interceptor struct {
	rec    Recorder
	logger *slog.Logger

	mu   sync.RWMutex
	opts Options
}

// New creates an Interceptor.
func New(rec Recorder, logger *slog.Logger, opts Options) *Interceptor {
	return &Interceptor{rec: rec, logger: logger, opts: opts}
}

// SetOptions replaces the interceptor settings. Requests already inside
// Request keep the settings they started with.
func (i *Interceptor) SetOptions(opts Options) {
	i.mu.Lock()
	i.opts = opts
	i.mu.Unlock()
	i.logger.Info("interceptor settings updated", "target_host", opts.TargetHost, "verbose", opts.Verbose)
}

// Options returns the current settings.
func (i *Interceptor) Options() Options {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.opts
}

// Matches reports whether host belongs to the interception target.
func (i *Interceptor) Matches(host string) bool {
	return routing.MatchesHost(host, i.Options().TargetHost)
}

// Request inspects flow.Request. For the target host it logs the call,
// records it and sets flow.Response to the canned response. Other requests
// are left untouched. Recording failures are logged and never change the
// response.
func (i *Interceptor) Request(flow *Flow) {
	opts := i.Options()
	req := flow.Request
	if !routing.MatchesHost(requestHost(req), opts.TargetHost) {
		return
	}

	rec := record.FromRequest(req, record.ModeIntercept)
	i.logTelemetry(req, rec.QueryParams, opts.Verbose)

	if opts.CaptureBody {
		body, err := readBody(req, opts.MaxBodyBytes)
		if err != nil {
			i.logger.Warn("reading intercepted request body", "error", err, "request_id", rec.RequestID)
		}
		rec.SetBody(body)
	}

	if path, err := i.rec.Write(rec); err != nil {
		if errors.Is(err, record.ErrThrottled) {
			i.logger.Warn("capture skipped", "reason", "throttled", "url", rec.URL)
		} else {
			i.logger.Error("capture write failed", "error", err, "url", rec.URL)
		}
	} else {
		i.logger.Debug("telemetry captured", "file", path)
	}

	flow.Response = Canned(opts.ResponseHeaders)
}

func requestHost(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	if r.URL != nil {
		return r.URL.Host
	}
	return ""
}

func (i *Interceptor) logTelemetry(req *http.Request, qp params.Params, verbose bool) {
	serialized, err := json.Marshal(qp)
	if err != nil {
		serialized = []byte("{}")
	}
	attrs := []any{
		"method", req.Method,
		"url", req.URL.String(),
		"query_params", string(serialized),
	}

	if verbose {
		groups := qp.ByGroup()
		names := make([]string, 0, len(groups))
		for g := range groups {
			names = append(names, string(g))
		}
		sort.Strings(names)
		for _, g := range names {
			p := groups[params.Group(g)]
			kv := make([]any, 0, 2*len(p))
			for _, k := range p.Keys() {
				kv = append(kv, k, p[k])
			}
			attrs = append(attrs, slog.Group(g, kv...))
		}
		if unknown := qp.Unknown().Keys(); len(unknown) > 0 {
			attrs = append(attrs, "unknown_params", unknown)
		}
	}

	i.logger.Info("telemetry intercepted", attrs...)
}

// readBody returns up to limit bytes of the request body and restores the
// body so it can still be read in full.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if limit <= 0 {
		limit = 64 * 1024
	}
	var buf bytes.Buffer
	captured, err := io.ReadAll(io.LimitReader(io.TeeReader(r.Body, &buf), limit))
	r.Body = io.NopCloser(io.MultiReader(&buf, r.Body))
	return captured, err
}
