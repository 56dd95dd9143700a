package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Zereker/tlvserver"
	"github.com/Zereker/tlvserver/internal/config"
	"github.com/Zereker/tlvserver/internal/metrics"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, level, err := newLogger(cfg.Logging, verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		if err := watchConfig(ctx, configPath, level, logger); err != nil {
			logger.Warn("config reload disabled", zap.Error(err))
		}
	}

	err = newApp(cfg, logger).run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadConfig reads --config (or the defaults) and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("bind") {
		cfg.Server.BindAddress = bindAddr
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is one echo server plus its metrics endpoint.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	server   *tlvserver.Server

	metricsAddr atomic.Pointer[net.Addr]
}

func newApp(cfg *config.Config, logger *zap.Logger) *app {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	opts := append(cfg.Server.Options(),
		tlvserver.LoggerOption(newZapLogger(logger)),
		tlvserver.ObserverOption(m.Observe(echo)),
		tlvserver.OnErrorOption(m.RecordError),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		server:   tlvserver.New(opts...),
	}
}

// echo writes every received frame back to its sender unchanged.
var echo = tlvserver.ObserverFuncs{
	Receive: func(_ context.Context, f tlvserver.Frame) ([]byte, error) {
		return f.Bytes(), nil
	},
}

// run serves until ctx is done, then shuts down within the configured timeout.
func (a *app) run(ctx context.Context) error {
	if a.cfg.Metrics.Enabled {
		stopMetrics, err := a.serveMetrics()
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	return a.server.ListenAndServe(ctx, a.cfg.Server.BindAddress, a.cfg.Server.Port)
}

// serveMetrics binds the metrics listener and serves it in the background.
// The returned func stops it.
func (a *app) serveMetrics() (func(), error) {
	ln, err := net.Listen("tcp", a.cfg.Metrics.ListenAddr())
	if err != nil {
		return nil, errors.Wrapf(err, "listen metrics on %s", a.cfg.Metrics.ListenAddr())
	}

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(a.logger),
	}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	addr := ln.Addr()
	a.metricsAddr.Store(&addr)
	a.logger.Info("metrics listening",
		zap.Stringer("addr", addr),
		zap.String("path", a.cfg.Metrics.Path),
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics shutdown", zap.Error(err))
		}
		<-done
	}, nil
}
