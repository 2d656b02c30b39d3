package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/yanolja/failover/config"
	"github.com/yanolja/failover/monitoring"
	"github.com/yanolja/failover/provider"
	"github.com/yanolja/failover/proxy"
	"github.com/yanolja/failover/server"
	"github.com/yanolja/failover/state"
	"github.com/yanolja/failover/utils"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the failover proxy over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := utils.Must(zap.NewProduction())
			if debug {
				logger = utils.Must(zap.NewDevelopment())
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), configPath, logger.Sugar())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path or URL of the config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable development logging")
	return cmd
}

func serve(ctx context.Context, configPath string, logger *zap.SugaredLogger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	proxyConfig, err := cfg.Proxy.ProxyConfig()
	if err != nil {
		return err
	}

	scorer, err := cfg.Health.Scorer()
	if err != nil {
		return err
	}

	store, closeStore, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := proxy.New(proxyConfig, logger, proxy.WithScorer(scorer))
	if err != nil {
		return err
	}
	defer p.Shutdown()

	var serverOptions []server.Option
	if cfg.FailoverApiKey != "" {
		serverOptions = append(serverOptions, server.WithApiKey(cfg.FailoverApiKey))
	}

	if cfg.Monitoring.Prometheus.Enabled {
		prometheusMonitor, err := monitoring.NewPrometheusMonitor(cfg.Monitoring.Prometheus, p, logger)
		if err != nil {
			return fmt.Errorf("failed to create Prometheus monitor: %w", err)
		}
		monitoring.Attach(p.Events(), prometheusMonitor)
		serverOptions = append(serverOptions, server.WithMetrics(cfg.Monitoring.Prometheus.Path, prometheusMonitor.Handler()))
	}

	if cfg.Monitoring.OpenTelemetry.Enabled {
		// Installs the global tracer provider the proxy spans go to.
		otelMonitor, err := monitoring.NewOpenTelemetryMonitor(ctx, cfg.Monitoring.OpenTelemetry, p, logger)
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry monitor: %w", err)
		}
		monitoring.Attach(p.Events(), otelMonitor)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := otelMonitor.Shutdown(ctx); err != nil {
				logger.Warnw("Failed to shut down OpenTelemetry", "error", err)
			}
		}()
	}

	providers, err := provider.NewAll(cfg.Providers)
	if err != nil {
		return err
	}
	for _, named := range providers {
		if err := p.Register(named.Name(), named); err != nil {
			return err
		}
	}
	if len(providers) == 0 {
		logger.Warn("No providers configured")
	}

	stopPublisher := server.NewReportPublisher(p, store, logger).Start()
	defer stopPublisher()
	p.StartHealthMonitoring()

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              address,
		Handler:           server.New(p, store, logger, serverOptions...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("Starting server", "address", address, "providers", p.Providers())
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
	}

	logger.Info("Server exited gracefully")
	return nil
}

// newStore uses Valkey when an endpoint is configured, so instances share
// published reports.
func newStore(cfg *config.Config, logger *zap.SugaredLogger) (state.Store, func(), error) {
	if cfg.ValkeyEndpoint == "" {
		logger.Infow("Using in-memory state store", "max_bytes", cfg.StoreMaxBytes)
		store, stop := state.NewMemoryStore(cfg.StoreMaxBytes)
		return store, stop, nil
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}
	logger.Infow("Using Valkey state store", "endpoint", cfg.ValkeyEndpoint)
	return state.NewValkeyStore(client), client.Close, nil
}
