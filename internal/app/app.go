package app

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mcpgate/internal/api"
	"mcpgate/internal/domain"
	"mcpgate/internal/infra/catalog"
	"mcpgate/internal/infra/connection"
	"mcpgate/internal/infra/health"
	"mcpgate/internal/infra/registry"
	"mcpgate/internal/infra/resilience"
	"mcpgate/internal/infra/telemetry"
)

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateOptions struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		logger: logger.Named("app"),
	}
}

// Serve runs the gateway until ctx is canceled: load the catalog, bring up
// every enabled server, then serve the REST API and metrics endpoints.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	loader := catalog.NewLoader(a.logger)
	loaded, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.logger.Info("configuration loaded",
		zap.String("config", cfg.ConfigPath),
		zap.Int("servers", len(loaded.Servers)),
	)

	promRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(promRegistry)

	reg := registry.New(registry.Options{
		Logger:            a.logger,
		Metrics:           metrics,
		Connection:        connectionOptions(loaded.Gateway, a.logger, metrics),
		FanoutConcurrency: loaded.Gateway.FanoutConcurrency,
	})
	defer func() {
		if err := reg.ShutdownAll(); err != nil {
			a.logger.Warn("shutdown finished with errors", zap.Error(err))
		}
	}()

	outcome := reg.InitializeAll(ctx, loaded.Servers)
	started := 0
	for serverID, initErr := range outcome {
		if initErr != nil {
			a.logger.Warn("server failed to start",
				telemetry.ServerIDField(serverID), zap.Error(initErr))
			continue
		}
		started++
	}
	a.logger.Info("initialization complete",
		zap.Int("started", started),
		zap.Int("failed", len(outcome)-started),
	)
	if started == 0 && len(outcome) > 0 {
		return errors.New("no server came up")
	}

	monitor := health.NewMonitor(reg, health.MonitorOptions{
		Interval: loaded.Gateway.HealthInterval(),
		Logger:   a.logger,
	})
	go monitor.Run(ctx)

	apiServer := api.NewServer(reg, a.logger)

	errChan := make(chan error, 2)
	go func() {
		errChan <- telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:     loaded.Gateway.MetricsListenAddress,
			Registry: promRegistry,
		}, a.logger)
	}()
	go func() {
		errChan <- apiServer.Serve(ctx, loaded.Gateway.APIListenAddress)
	}()

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			return err
		}
	}
	return nil
}

// ValidateConfig checks the catalog without starting any server and logs
// how each one would be classified.
func (a *App) ValidateConfig(ctx context.Context, opts ValidateOptions) error {
	loaded, err := catalog.NewLoader(a.logger).Load(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}

	variants, err := classifyAll(loaded.Servers)
	if err != nil {
		return err
	}
	for _, server := range loaded.Servers {
		a.logger.Info("server validated",
			telemetry.ServerIDField(server.ID),
			telemetry.VariantField(string(variants[server.ID])),
			zap.Bool("enabled", server.Enabled),
		)
	}

	a.logger.Info("configuration validated",
		zap.String("config", opts.ConfigPath),
		zap.Int("servers", len(loaded.Servers)),
	)
	return nil
}

func connectionOptions(gateway domain.GatewayConfig, logger *zap.Logger, metrics domain.Metrics) connection.Options {
	return connection.Options{
		Logger:  logger,
		Metrics: metrics,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: gateway.Breaker.FailureThreshold,
			Cooldown:         gateway.Breaker.Cooldown(),
			Window:           gateway.Breaker.Window(),
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts:  gateway.Retry.MaxAttempts,
			InitialDelay: gateway.Retry.InitialDelay(),
			Multiplier:   gateway.Retry.Multiplier,
			MaxDelay:     gateway.Retry.MaxDelay(),
		},
	}
}
