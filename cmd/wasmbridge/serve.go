package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/wasmbridge/internal/digest"
	"github.com/jkaninda/wasmbridge/internal/gateway/httpapi"
	"github.com/jkaninda/wasmbridge/internal/ratelimit"
)

var (
	serveAddr string
	serveDocs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that `wasmbridge --addr` and
	// `wasmbridge serve --addr` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
	}
}

// runServe connects the configured servers and serves the HTTP API until
// SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, needs{store: true, sandbox: true})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	n := connectServers(ctx, sc)
	logger.Info("tool servers connected", slog.Int("connected", n), slog.Int("configured", len(cfg.Servers)))

	if idle := cfg.Bridge.IdleTimeout(); idle > 0 {
		if _, err := sc.Bridge.StartReaper(cfg.Bridge.ReapSchedule, idle); err != nil {
			return fmt.Errorf("starting idle reaper: %w", err)
		}
	}

	apiKeys := make(map[string]string, len(cfg.HTTP.APIKeys))
	for _, key := range cfg.HTTP.APIKeys {
		apiKeys[key] = callerID(key)
	}
	if len(apiKeys) == 0 {
		logger.Warn("no API keys configured, the HTTP API is unauthenticated")
	}

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr,
		EnableDocs:     serveDocs,
		Version:        version,
		APIKeys:        apiKeys,
		MaxRequestSize: int64(cfg.HTTP.MaxBodyMB) << 20,
		HealthChecker:  sc.Obs.Health,
		Metrics:        sc.Obs.MetricsOrNil(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.MetricsPath = cfg.MetricsPath()
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	svc := httpapi.NewService(sc.Executor, sc.Bridge, sc.Store.Artifacts(), logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.HTTP.RequestsPerMinute})
	gw := httpapi.NewGateway(gwCfg, svc, limiter, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("http api shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// callerID derives a stable, non-secret identity for an API key, used in
// logs and as the rate-limit key.
func callerID(key string) string {
	return "key-" + digest.Sum([]byte(key)).Hex()[:12]
}
