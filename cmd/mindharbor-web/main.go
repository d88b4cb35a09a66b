// Command mindharbor-web serves the local web shell of the counseling platform.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/and161185/mindharbor/internal/app"
	"github.com/and161185/mindharbor/internal/config"
	"github.com/and161185/mindharbor/internal/logging"
	"github.com/and161185/mindharbor/internal/web"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, restores the session and serves until SIGINT/SIGTERM.
func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	api := flag.String("api", "", "identity service base URL (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Web.Addr = *addr
	}
	if *api != "" {
		cfg.API.BaseURL = *api
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Web.Addr),
		zap.String("api", cfg.API.BaseURL),
		zap.String("store", cfg.Storage.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build session engine", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	shell := web.New(a.Store, web.WithLogger(logger.Named("web")), web.WithMetrics(a.Metrics, a.Registry))
	srv := &http.Server{
		Addr:         cfg.Web.Addr,
		Handler:      shell.Handler(),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Web.Addr))
		errCh <- srv.ListenAndServe()
	}()

	// Serve until a signal arrives or the listener fails.
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown timed out", zap.Error(err))
			_ = srv.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			_ = a.Close()
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
