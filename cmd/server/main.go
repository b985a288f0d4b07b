// Package main is the entry point for the flags-api targeting server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Initialise logging and (opt-in) OpenTelemetry tracing.
//  3. Register the OFREP permission oracle; on failure the service runs
//     fail-closed with every flag locked.
//  4. Wire the file store, targeting service, and HTTP handler chain.
//  5. Serve HTTP until SIGINT/SIGTERM, then shut down gracefully.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/garage-demos/flags-api/internal/config"
	"github.com/garage-demos/flags-api/internal/logging"
	"github.com/garage-demos/flags-api/internal/metrics"
	"github.com/garage-demos/flags-api/internal/middleware"
	"github.com/garage-demos/flags-api/internal/oracle"
	"github.com/garage-demos/flags-api/internal/server"
	"github.com/garage-demos/flags-api/internal/service"
	"github.com/garage-demos/flags-api/internal/store"
	"github.com/garage-demos/flags-api/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	perms := newPermissionSource(cfg, m, log)
	docs := store.NewFileStore(cfg.FlagsFilePath)

	svc, err := service.New(docs, perms,
		service.WithLogger(log),
		service.WithUpdateMetrics(m.RecordUpdate, m.SetEditableFlags),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	apiHandler := server.NewHTTPHandler(svc, m, server.WithMaxJSONBodySize(cfg.MaxJSONBodySize))

	var limiter *middleware.WriteLimiter
	if cfg.WriteRateLimit > 0 {
		limiter = middleware.NewWriteLimiter(ctx, cfg.WriteRateLimit)
		defer limiter.Stop()
	}

	handler := middleware.RequestLogging(log)(
		middleware.RateLimitWrites(limiter, middleware.WithOnRateLimited(m.IncRateLimited))(apiHandler),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "flags-api"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"flags_file", cfg.FlagsFilePath,
		"ofrep_endpoint", cfg.OFREPEndpoint,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newPermissionSource registers the OFREP provider and decorates the oracle
// with a per-call timeout and optional TTL cache. Any initialisation failure
// yields the fail-closed Denied source: no flag is editable until the process
// restarts with a reachable evaluation endpoint.
func newPermissionSource(cfg config.Config, m *metrics.Metrics, log *slog.Logger) oracle.PermissionSource {
	if cfg.OFREPEndpoint == "" {
		log.Warn("OFREP_ENDPOINT is not set; all flags are locked for editing")
		return oracle.Denied{}
	}

	o, err := oracle.NewOFREP(cfg.OFREPEndpoint,
		oracle.WithFlagKey(cfg.PreviewFlagKey),
		oracle.WithLogger(log),
		oracle.WithOutcomeHook(m.RecordOracleOutcome),
	)
	if err != nil {
		log.Warn("permission oracle initialisation failed; all flags are locked for editing",
			"endpoint", cfg.OFREPEndpoint, "error", err)
		return oracle.Denied{}
	}

	log.Info("permission oracle initialised",
		"endpoint", cfg.OFREPEndpoint, "previewFlagKey", cfg.PreviewFlagKey)

	return oracle.Cache(oracle.Timeout(o, cfg.OracleTimeout), cfg.OracleCacheTTL)
}
