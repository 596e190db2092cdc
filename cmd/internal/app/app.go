// Package app wires the qrbridge runtime: config, logging, the session
// registry, the connection entry point, and the callback API.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	authapi "qrbridge/cmd/internal/auth/api"
	"qrbridge/cmd/internal/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App owns the HTTP server and the relay dependencies.
type App struct {
	cfg Config
	log Logger

	registry *relay.Registry
	gateway  *relay.Gateway
	callback *authapi.Handler

	metricsHandler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	var (
		metrics        *relay.Metrics
		metricsHandler http.Handler
	)
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = relay.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	registry := relay.NewRegistry(log, relay.RegistryConfig{
		GraceWindow:   cfg.GraceWindow,
		StaleCeiling:  cfg.StaleCeiling,
		SweepInterval: cfg.SweepInterval,
	}, metrics)

	dialer := relay.NewWSDialer(log, cfg.UpstreamURL, cfg.UpstreamOrigin, cfg.UpstreamAcceptLanguage)

	gateway := relay.NewGateway(log, registry, dialer, metrics, relay.GatewayConfig{
		OriginRequired: cfg.OriginRequired,
		AllowedOrigins: cfg.AllowedOrigins,
		InitTimeout:    cfg.InitTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		SendQueueSize:  cfg.SendQueueSize,
		Session: relay.SessionConfig{
			PollInterval: cfg.PollInterval,
			MaxRestarts:  cfg.MaxRestarts,
			EmitBeacon:   cfg.EmitBeacon,
		},
	})

	return &App{
		cfg:            cfg,
		log:            log,
		registry:       registry,
		gateway:        gateway,
		callback:       authapi.NewHandler(log, registry),
		metricsHandler: metricsHandler,
	}, nil
}

// Run starts the registry sweep and the HTTP server, and blocks until
// context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.registry.Run(sweepCtx)

	mux := http.NewServeMux()
	registerHTTP(mux, a.gateway, a.callback, a.metricsHandler)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
		// No ReadTimeout/WriteTimeout: both the websocket channel and the
		// SSE stream are long-lived.
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "metrics", a.metricsHandler != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}
