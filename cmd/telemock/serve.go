package main

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dskow/telemock/internal/middleware"
	"github.com/dskow/telemock/internal/mock"
	"github.com/dskow/telemock/internal/tlsutil"
	"github.com/dskow/telemock/internal/tracing"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the mock telemetry endpoint",
		Long: `Serve GET /telemetry/index.html with the canned response and record every
call, amended with the response that was served. Also serves /health,
/ready, metrics and (when enabled) the admin API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), g, "mock")
			if err != nil {
				return err
			}
			defer rt.close()

			cfg := rt.cfg
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			srv := &http.Server{
				Handler:      rt.serveHandler(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				ErrorLog:     slogErrorLog(rt),
			}

			useTLS := cfg.Server.TLS.Enabled
			if useTLS {
				loader, err := tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, rt.logger)
				if err != nil {
					return fmt.Errorf("loading server certificate: %w", err)
				}
				defer loader.Stop()
				if srv.TLSConfig, err = loader.ServerConfig(cfg.Server.TLS.MinVersion); err != nil {
					return err
				}
			}

			ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)))
			if err != nil {
				return fmt.Errorf("listening: %w", err)
			}

			if rt.reloader != nil {
				rt.reloader.Start()
			}
			return serve(cmd.Context(), rt.logger, srv, ln, useTLS, cfg.Server.ShutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "interface to bind (all when empty)")
	cmd.Flags().IntVarP(&port, "port", "p", 8000, "port to listen on (overrides server.port)")
	return cmd
}

// serveHandler assembles the mock-server stack:
// Recovery → RequestID → Logging → tracing → mux.
func (rt *runtime) serveHandler() http.Handler {
	mux := rt.opsMux()
	mock.New(rt.recorder, rt.logger).RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = tracing.Wrap(handler, "telemock.serve")
	handler = middleware.Logging(rt.logger, rt.quietPaths())(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(rt.logger)(handler)
	return handler
}
