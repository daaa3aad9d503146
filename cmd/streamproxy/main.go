package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/PortalMine/steem-stream-proxy/internal/broker"
	"github.com/PortalMine/steem-stream-proxy/internal/chain"
	"github.com/PortalMine/steem-stream-proxy/internal/config"
	"github.com/PortalMine/steem-stream-proxy/internal/logging"
	"github.com/PortalMine/steem-stream-proxy/internal/metrics"
	"github.com/PortalMine/steem-stream-proxy/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()

	dial := func(ctx context.Context, mode chain.Mode) (chain.Streamer, error) {
		return chain.DialSteem(ctx, cfg.Steem.Node, mode, logger.Named("steem"))
	}
	b := broker.New(cfg, logger, metricsRegistry, dial)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go func() {
			if err := runHTTPServer(ctx, cfg, b, metricsRegistry, logger); err != nil {
				logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	if err := b.Run(ctx); err != nil {
		logger.Fatal("broker failed", zap.Error(err))
	}
}

func runHTTPServer(ctx context.Context, cfg config.Config, b *broker.Broker, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":       "healthy",
			"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
			"head":         len(b.Registry().Cohort(registry.ModeHead)),
			"irreversible": len(b.Registry().Cohort(registry.ModeIrreversible)),
		})
	})

	mux.Handle("/metrics", metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
