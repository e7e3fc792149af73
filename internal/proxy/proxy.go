// Package proxy provides the forward proxy that hosts the interceptor hook.
// Plain HTTP requests run through the hook and are forwarded when the hook
// leaves them alone. CONNECT requests are tunnelled, or terminated with the
// MITM certificate when they target the interception host.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/dskow/telemock/internal/apierror"
	"github.com/dskow/telemock/internal/intercept"
	"github.com/dskow/telemock/internal/metrics"
	"github.com/dskow/telemock/internal/record"
)

// Hook is invoked for every request the proxy sees.
type Hook interface {
	Request(flow *intercept.Flow)
	Matches(host string) bool
}

// forwardedHeaders are restored after ReverseProxy's rewrite so forwarded
// requests reach the upstream exactly as the client sent them.
var forwardedHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

// Option configures a Proxy.
type Option func(*Proxy)

// WithMITM enables TLS termination of CONNECT tunnels to hosts the hook
// matches. cfg must serve a certificate the client trusts for those hosts.
func WithMITM(cfg *tls.Config) Option {
	return func(p *Proxy) { p.mitm = cfg }
}

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.transport = rt }
}

// WithUpstreamTimeout bounds dialing and waiting for upstream response
// headers. Zero leaves them unbounded.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.upstreamTimeout = d }
}

// Proxy is an http.Handler implementing a forward proxy.
type Proxy struct {
	hook            Hook
	logger          *slog.Logger
	mitm            *tls.Config
	transport       http.RoundTripper
	upstreamTimeout time.Duration
	forward         *httputil.ReverseProxy
}

// New creates a Proxy that runs hook on every request.
func New(hook Hook, logger *slog.Logger, opts ...Option) *Proxy {
	p := &Proxy{hook: hook, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	if p.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		// Never chain through an environment proxy; that could be us.
		t.Proxy = nil
		t.ResponseHeaderTimeout = p.upstreamTimeout
		t.DialContext = (&net.Dialer{Timeout: p.dialTimeout(), KeepAlive: 30 * time.Second}).DialContext
		p.transport = t
	}

	p.forward = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			for _, h := range forwardedHeaders {
				if v, ok := pr.In.Header[h]; ok {
					pr.Out.Header[h] = v
				}
			}
		},
		Transport:    p.transport,
		ErrorHandler: p.upstreamError,
	}
	return p
}

func (p *Proxy) dialTimeout() time.Duration {
	if p.upstreamTimeout > 0 {
		return p.upstreamTimeout
	}
	return 30 * time.Second
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "proxy requests must use an absolute URL")
		return
	}
	p.serveFlow(w, r)
}

// serveFlow runs the hook and either writes its response or forwards r.
func (p *Proxy) serveFlow(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	flow := &intercept.Flow{Request: r}
	p.hook.Request(flow)

	if flow.Response != nil {
		if err := flow.Response.WriteTo(w); err != nil {
			p.logger.Warn("writing intercepted response", "error", err, "url", r.URL.String())
		}
		metrics.ProxyRequests.WithLabelValues("intercepted").Inc()
		metrics.RequestsTotal.WithLabelValues(record.ModeIntercept, r.Method, strconv.Itoa(flow.Response.StatusCode)).Inc()
		metrics.RequestDuration.WithLabelValues(record.ModeIntercept).Observe(time.Since(start).Seconds())
		return
	}

	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	p.forward.ServeHTTP(rec, r)
	if !rec.failed {
		metrics.ProxyRequests.WithLabelValues("forwarded").Inc()
	}
}

func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if rec, ok := w.(*responseRecorder); ok {
		rec.failed = true
	}
	metrics.ProxyRequests.WithLabelValues("error").Inc()

	if errors.Is(err, context.Canceled) {
		// Client went away; nobody reads the response.
		p.logger.Debug("client cancelled proxied request", "url", r.URL.String())
		return
	}
	p.logger.Error("proxy error", "error", err, "url", r.URL.String())
	if errors.Is(err, context.DeadlineExceeded) {
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "upstream timed out")
		return
	}
	apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
}

// responseRecorder tracks whether the upstream failed so metrics can tell
// forwarded requests from errors.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	failed     bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
