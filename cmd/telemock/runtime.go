package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dskow/telemock/internal/admin"
	"github.com/dskow/telemock/internal/apierror"
	"github.com/dskow/telemock/internal/config"
	"github.com/dskow/telemock/internal/health"
	"github.com/dskow/telemock/internal/logging"
	"github.com/dskow/telemock/internal/metrics"
	"github.com/dskow/telemock/internal/middleware"
	"github.com/dskow/telemock/internal/record"
	"github.com/dskow/telemock/internal/stream"
	"github.com/dskow/telemock/internal/tracing"
)

// loadConfig reads the config file (or the defaults) and applies the
// global flag overrides.
func loadConfig(g *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(g.configPath); err != nil {
		return nil, err
	}
	g.apply(cfg)
	return cfg, nil
}

// apply overlays flag values on cfg. Reloaded configs go through it too so
// flags keep winning over the file.
func (g *globalFlags) apply(cfg *config.Config) {
	if g.logDir != "" {
		cfg.Capture.Dir = g.logDir
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
}

// runtime holds what both server modes share.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	level    *slog.LevelVar
	out      io.Closer
	recorder *record.Recorder
	hub      *stream.Hub
	reloader *config.Reloader
	tracing  tracing.ShutdownFunc
}

func newRuntime(ctx context.Context, g *globalFlags, mode string) (*runtime, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	out, err := logging.Output(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("opening log output: %w", err)
	}
	logger, level := logging.New(out, cfg.Logging)
	logger = logger.With("mode", mode)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	rt := &runtime{cfg: cfg, logger: logger, level: level, out: out}

	rt.recorder, err = record.New(cfg.Capture.Dir, logger, record.WithMaxWritesPerSecond(cfg.Capture.MaxWritesPerSecond))
	if err != nil {
		rt.close()
		return nil, err
	}

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	if cfg.Admin.Enabled {
		rt.hub = stream.NewHub()
		rt.recorder.OnWrite(rt.hub.Publish)
	}

	rt.tracing, err = tracing.SetupProvider(ctx, cfg.Tracing, mode)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	if g.configPath != "" {
		rt.reloader = config.NewReloader(g.configPath, cfg, logger)
		rt.reloader.OnReload(func(newCfg *config.Config) {
			g.apply(newCfg)
			rt.level.Set(middleware.ParseLogLevel(newCfg.Logging.Level))
			rt.recorder.SetMaxWritesPerSecond(newCfg.Capture.MaxWritesPerSecond)
		})
	}

	logger.Info("configuration loaded",
		"capture_dir", cfg.Capture.Dir,
		"max_writes_per_second", cfg.Capture.MaxWritesPerSecond,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
		"tracing_enabled", cfg.Tracing.Endpoint != "",
	)
	return rt, nil
}

// current returns the live config.
func (rt *runtime) current() *config.Config {
	if rt.reloader != nil {
		return rt.reloader.Current()
	}
	return rt.cfg
}

// Current implements admin.ConfigProvider.
func (rt *runtime) Current() *config.Config { return rt.current() }

func (rt *runtime) close() {
	if rt.reloader != nil {
		rt.reloader.Stop()
	}
	if rt.hub != nil {
		rt.hub.Close()
	}
	if rt.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.tracing(ctx); err != nil {
			rt.logger.Warn("flushing traces", "error", err)
		}
		cancel()
	}
	if rt.out != nil {
		rt.out.Close()
	}
}

// opsMux serves health, readiness, metrics and the admin API.
func (rt *runtime) opsMux() *http.ServeMux {
	cfg := rt.cfg
	mux := http.NewServeMux()

	health.New(rt.logger, health.DirWritable("capture_dir", rt.recorder.Dir())).RegisterRoutes(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		rt.logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	if cfg.Admin.Enabled {
		var streamHandler http.Handler
		if rt.hub != nil {
			streamHandler = stream.NewHandler(rt.hub, rt.logger)
		}
		admin.New(rt, rt.recorder, streamHandler, cfg.Admin, rt.logger).RegisterRoutes(mux)
		rt.logger.Info("admin API enabled", "allowlist", cfg.Admin.IPAllowlist, "auth_enabled", cfg.Admin.Auth.Enabled)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no route for "+r.URL.Path)
	})
	return mux
}

// quietPaths keeps probes and scrapes out of the access log at info level.
func (rt *runtime) quietPaths() func(string) slog.Level {
	return middleware.QuietPaths("/health", "/ready", rt.cfg.Metrics.Path)
}

// serve runs srv on ln until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func serve(ctx context.Context, logger *slog.Logger, srv *http.Server, ln net.Listener, useTLS bool, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String(), "tls", useTLS)
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", shutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("stopped gracefully")
	return nil
}
