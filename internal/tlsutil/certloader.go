// Package tlsutil loads the certificates telemock presents: the mock
// server's TLS certificate and the certificate used to terminate CONNECT
// tunnels to the target host. Files are watched and reloaded on rotation.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertLoader loads a TLS certificate from disk and watches the cert and key
// files for changes, automatically reloading on rotation. The GetCertificate
// callback is designed for use with tls.Config.GetCertificate.
type CertLoader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	leaf     *x509.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// New loads the initial certificate and starts watching both files for changes.
// Returns an error if the initial load fails.
func New(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if err := cl.loadCert(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	// Start file watcher.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := watcher.Add(certFile); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching cert file: %w", err)
	}
	if err := watcher.Add(keyFile); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching key file: %w", err)
	}

	cl.watcher = watcher
	go cl.watchLoop()

	logger.Info("TLS certificate loaded, watching for changes",
		"cert_file", certFile, "key_file", keyFile, "dns_names", cl.Leaf().DNSNames)

	return cl, nil
}

// GetCertificate returns the current certificate. This is the callback for
// tls.Config.GetCertificate. It is called on every TLS handshake.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Reload reloads the cert/key from disk. Exported for manual reload and testing.
func (cl *CertLoader) Reload() error {
	if err := cl.loadCert(); err != nil {
		cl.logger.Error("TLS certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile, "key_file", cl.keyFile)
		return err
	}
	cl.logger.Info("TLS certificate reloaded", "cert_file", cl.certFile, "key_file", cl.keyFile)
	return nil
}

// Stop terminates the file watcher.
func (cl *CertLoader) Stop() {
	close(cl.stopCh)
	if cl.watcher != nil {
		cl.watcher.Close()
	}
}

// Leaf returns the parsed leaf certificate currently served.
func (cl *CertLoader) Leaf() *x509.Certificate {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.leaf
}

// Covers reports whether the current certificate is valid for host.
func (cl *CertLoader) Covers(host string) bool {
	leaf := cl.Leaf()
	return leaf != nil && leaf.VerifyHostname(host) == nil
}

// ServerConfig returns a tls.Config serving this loader's certificate.
// minVersion is "1.2" (or empty) or "1.3". Only HTTP/1.1 is offered.
func (cl *CertLoader) ServerConfig(minVersion string) (*tls.Config, error) {
	v, err := ParseMinVersion(minVersion)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		GetCertificate: cl.GetCertificate,
		MinVersion:     v,
		NextProtos:     []string{"http/1.1"},
	}, nil
}

// ParseMinVersion maps a config version string to a tls version constant.
func ParseMinVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS min version %q", s)
}

func (cl *CertLoader) loadCert() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parsing leaf certificate: %w", err)
	}
	cert.Leaf = leaf
	cl.mu.Lock()
	cl.cert = &cert
	cl.leaf = leaf
	cl.mu.Unlock()
	return nil
}

func (cl *CertLoader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					cl.Reload() //nolint:errcheck
				})
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("TLS cert file watcher error", "error", err)
		case <-cl.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
