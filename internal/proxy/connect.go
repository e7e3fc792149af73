package proxy

import (
	"bufio"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/telemock/internal/apierror"
	"github.com/dskow/telemock/internal/metrics"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConnect answers a CONNECT request. Tunnels to the interception host
// are terminated locally when a MITM certificate is configured so the hook
// can see the decrypted requests; everything else is relayed byte for byte.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	if _, ok := w.(http.Hijacker); !ok {
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "connection hijacking not supported")
		return
	}

	if p.mitm != nil && p.hook.Matches(target) {
		p.interceptTLS(w, r, target)
		return
	}
	p.tunnel(w, r, target)
}

func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request, target string) {
	dialer := &net.Dialer{Timeout: p.dialTimeout()}
	upstream, err := dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("error").Inc()
		p.logger.Error("tunnel dial failed", "target", target, "error", err)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
		return
	}

	client, err := hijack(w)
	if err != nil {
		upstream.Close()
		p.logger.Error("hijacking tunnel connection", "error", err)
		return
	}

	metrics.ProxyRequests.WithLabelValues("tunneled").Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	start := time.Now()
	sent, received := relay(client, upstream)
	p.logger.Debug("tunnel closed",
		"target", target,
		"bytes_sent", sent,
		"bytes_received", received,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// interceptTLS terminates the client's TLS session with the MITM
// certificate and serves the decrypted HTTP/1.1 requests through the hook.
func (p *Proxy) interceptTLS(w http.ResponseWriter, r *http.Request, target string) {
	client, err := hijack(w)
	if err != nil {
		p.logger.Error("hijacking tunnel connection", "error", err)
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	tlsConn := tls.Server(client, p.mitm)
	if err := tlsConn.HandshakeContext(r.Context()); err != nil {
		metrics.ProxyRequests.WithLabelValues("error").Inc()
		p.logger.Warn("MITM handshake failed; does the client trust the certificate?", "target", target, "error", err)
		tlsConn.Close()
		return
	}

	conn := newNotifyConn(tlsConn)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.URL.Scheme = "https"
			if req.Host != "" {
				req.URL.Host = req.Host
			} else {
				req.URL.Host = target
			}
			p.serveFlow(w, req)
		}),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelWarn),
	}
	srv.Serve(&singleConnListener{conn: conn}) //nolint:errcheck
	<-conn.closed
}

// hijack takes over the client connection and confirms the tunnel. Bytes
// the client sent ahead of the confirmation stay readable.
func hijack(w http.ResponseWriter) (net.Conn, error) {
	conn, rw, err := w.(http.Hijacker).Hijack()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte(connectEstablished)); err != nil {
		conn.Close()
		return nil, err
	}
	return &bufferedConn{Conn: conn, r: rw.Reader}, nil
}

// relay copies bytes both ways until either side closes, then closes both.
func relay(client, upstream net.Conn) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		received, _ = io.Copy(client, upstream)
		client.Close()
	}()
	sent, _ = io.Copy(upstream, client)
	upstream.Close()
	wg.Wait()
	return sent, received
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// notifyConn closes its channel once the connection is closed.
type notifyConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func newNotifyConn(c net.Conn) *notifyConn {
	return &notifyConn{Conn: c, closed: make(chan struct{})}
}

func (c *notifyConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}

// singleConnListener hands out one connection, then reports closed.
type singleConnListener struct {
	mu   sync.Mutex
	conn net.Conn
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, net.ErrClosed
	}
	c := l.conn
	l.conn = nil
	return c, nil
}

func (l *singleConnListener) Close() error { return nil }

func (l *singleConnListener) Addr() net.Addr { return dummyAddr{} }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "mitm" }
