package main

import (
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dskow/telemock/internal/config"
	"github.com/dskow/telemock/internal/intercept"
	"github.com/dskow/telemock/internal/middleware"
	"github.com/dskow/telemock/internal/proxy"
	"github.com/dskow/telemock/internal/routing"
	"github.com/dskow/telemock/internal/tlsutil"
	"github.com/dskow/telemock/internal/tracing"
)

// interceptFlags override the proxy section of the config file.
type interceptFlags struct {
	host    string
	port    int
	target  string
	verbose bool
	cmd     *cobra.Command
}

func (f *interceptFlags) options(cfg config.ProxyConfig) intercept.Options {
	opts := intercept.OptionsFromConfig(cfg)
	if f.cmd.Flags().Changed("target") {
		opts.TargetHost = f.target
	}
	if f.cmd.Flags().Changed("verbose") {
		opts.Verbose = f.verbose
	}
	return opts
}

func newInterceptCmd(g *globalFlags) *cobra.Command {
	f := &interceptFlags{}
	cmd := &cobra.Command{
		Use:   "intercept",
		Short: "Run the intercepting forward proxy",
		Long: `Run a forward HTTP proxy. Requests whose host contains the target host are
logged, recorded and answered with the canned response; everything else is
forwarded untouched. Point the monitored client's HTTP(S) proxy here.

HTTPS calls to the target are only visible when proxy.mitm is configured
with a certificate the client trusts (see "telemock cert").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), g, "intercept")
			if err != nil {
				return err
			}
			defer rt.close()

			cfg := rt.cfg
			if cmd.Flags().Changed("port") {
				cfg.Proxy.Port = f.port
			}

			interceptor := intercept.New(rt.recorder, rt.logger, f.options(cfg.Proxy))
			proxyOpts := []proxy.Option{proxy.WithUpstreamTimeout(cfg.Proxy.UpstreamTimeout)}

			if cfg.Proxy.MITM.Enabled {
				loader, err := tlsutil.New(cfg.Proxy.MITM.CertFile, cfg.Proxy.MITM.KeyFile, rt.logger)
				if err != nil {
					return fmt.Errorf("loading MITM certificate: %w", err)
				}
				defer loader.Stop()
				tlsCfg, err := loader.ServerConfig(cfg.Proxy.MITM.MinVersion)
				if err != nil {
					return err
				}
				target := interceptor.Options().TargetHost
				if !loader.Covers(routing.HostOnly(target)) {
					rt.logger.Warn("MITM certificate does not cover the target host; clients will reject it", "target_host", target)
				}
				proxyOpts = append(proxyOpts, proxy.WithMITM(tlsCfg))
			}

			if rt.reloader != nil {
				rt.reloader.OnReload(func(newCfg *config.Config) {
					interceptor.SetOptions(f.options(newCfg.Proxy))
				})
			}

			p := proxy.New(interceptor, rt.logger, proxyOpts...)
			srv := &http.Server{
				Handler: rt.proxyHandler(p),
				// Tunnels are long-lived; only the request head is bounded.
				ReadHeaderTimeout: 30 * time.Second,
				ErrorLog:          slogErrorLog(rt),
			}

			ln, err := net.Listen("tcp", net.JoinHostPort(f.host, strconv.Itoa(cfg.Proxy.Port)))
			if err != nil {
				return fmt.Errorf("listening: %w", err)
			}
			rt.logger.Info("intercepting",
				"target_host", interceptor.Options().TargetHost,
				"verbose", interceptor.Options().Verbose,
				"mitm", cfg.Proxy.MITM.Enabled,
			)

			if rt.reloader != nil {
				rt.reloader.Start()
			}
			return serve(cmd.Context(), rt.logger, srv, ln, false, cfg.Server.ShutdownTimeout)
		},
	}
	f.cmd = cmd
	cmd.Flags().StringVar(&f.host, "host", "", "interface to bind (all when empty)")
	cmd.Flags().IntVarP(&f.port, "port", "p", 8080, "port to listen on (overrides proxy.port)")
	cmd.Flags().StringVarP(&f.target, "target", "t", "", "host substring to intercept (overrides proxy.target_host)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log grouped telemetry parameters (overrides proxy.verbose)")
	return cmd
}

// proxyHandler routes proxy traffic (CONNECT and absolute-form requests) to
// p and origin-form requests, which are addressed to telemock itself, to the
// ops endpoints. Proxied requests get no request ID so they are forwarded
// exactly as sent.
func (rt *runtime) proxyHandler(p http.Handler) http.Handler {
	ops := middleware.RequestID(rt.opsMux())

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect || r.URL.IsAbs() {
			p.ServeHTTP(w, r)
			return
		}
		ops.ServeHTTP(w, r)
	})
	handler = tracing.Wrap(handler, "telemock.intercept")
	handler = middleware.Logging(rt.logger, rt.quietPaths())(handler)
	handler = middleware.Recovery(rt.logger)(handler)
	return handler
}

func slogErrorLog(rt *runtime) *log.Logger {
	return slog.NewLogLogger(rt.logger.Handler(), slog.LevelWarn)
}
