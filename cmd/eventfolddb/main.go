// Command eventfolddb runs the EventfoldDB service: it recovers the
// on-disk log, starts the Writer's commit goroutine, and serves the
// JSON-over-HTTP RPC surface until interrupted. A plain constructor
// sequence wires the handful of concrete components this binary needs
// directly, with golang.org/x/sync/errgroup coordinating the HTTP
// server's ListenAndServe and its signal-triggered Shutdown; the Writer
// goroutine is stopped by the engine's Close on exit.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/eventfolddb/eventfolddb/internal/auth"
	"github.com/eventfolddb/eventfolddb/internal/config"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/engine"
	"github.com/eventfolddb/eventfolddb/internal/metrics"
	"github.com/eventfolddb/eventfolddb/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults applied when omitted)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	eng, err := engine.Open(engine.Config{
		LogPath:              cfg.LogPath,
		DedupCapacity:        cfg.DedupCapacity,
		BrokerBufferSize:     cfg.BrokerBufferSize,
		WriterQueueDepth:     cfg.WriterQueueDepth,
		SubscriberBufferSize: cfg.SubscriberBufferSize,
	}, logger)
	if err != nil {
		logger.Error("failed to open engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("failed to close engine cleanly", "error", err)
		}
	}()

	gate := auth.New(cfg.JWTSecret, logger)
	metricsHandle := metrics.New(prometheus.DefaultRegisterer)
	svc := server.New(eng, gate, metricsHandle, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: svc,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("serving", "addr", cfg.ListenAddr, "auth_enabled", gate.Enabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}
