// Package main provides a small client that sends the telemetry call the
// monitored client makes, directly or through a proxy, and prints what came
// back. Useful for checking a telemock deployment by hand.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// sampleParams mirrors a typical call from a single-instance deployment.
var sampleParams = map[string]string{
	"v":      "4.15.1",
	"env":    "prod",
	"os":     "linux",
	"guid":   "00000000-0000-4000-8000-000000000000",
	"dm":     "single",
	"fc.giv": "3",
	"pp.ie":  "1024",
}

type options struct {
	target   string
	proxy    string
	caFile   string
	insecure bool
	params   []string
	timeout  time.Duration
}

// result is what probe prints.
type result struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	DurationMs float64           `json:"duration_ms"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a sample telemetry call and print the response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := probe(cmd.Context(), o)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&o.target, "url", "http://localhost:8000/telemetry/index.html", "telemetry URL to call")
	cmd.Flags().StringVar(&o.proxy, "proxy", "", "proxy URL, e.g. http://localhost:8080")
	cmd.Flags().StringVar(&o.caFile, "ca", "", "PEM file with an extra CA to trust (the MITM certificate)")
	cmd.Flags().BoolVar(&o.insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().StringArrayVar(&o.params, "param", nil, "extra or overriding query parameter key=value (repeatable)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func buildURL(target string, extra []string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	for k, v := range sampleParams {
		if !q.Has(k) {
			q.Set(k, v)
		}
	}
	for _, kv := range extra {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return "", fmt.Errorf("parameter %q is not key=value", kv)
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newClient(o *options) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	if o.proxy != "" {
		pu, err := url.Parse(o.proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		tr.Proxy = http.ProxyURL(pu)
	}

	if o.caFile != "" || o.insecure {
		cfg := &tls.Config{InsecureSkipVerify: o.insecure} //nolint:gosec
		if o.caFile != "" {
			pem, err := os.ReadFile(o.caFile)
			if err != nil {
				return nil, fmt.Errorf("reading CA file: %w", err)
			}
			pool, err := x509.SystemCertPool()
			if err != nil {
				pool = x509.NewCertPool()
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", o.caFile)
			}
			cfg.RootCAs = pool
		}
		tr.TLSClientConfig = cfg
	}
	return &http.Client{Transport: tr, Timeout: o.timeout}, nil
}

func probe(ctx context.Context, o *options) (*result, error) {
	target, err := buildURL(o.target, o.params)
	if err != nil {
		return nil, err
	}
	client, err := newClient(o)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "telemock-probe/1")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry call failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &result{
		URL:        target,
		Status:     resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       string(body),
		DurationMs: float64(time.Since(start).Microseconds()) / 1000,
	}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
