package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/catalog"
	"mcpgate/internal/infra/detect"
	"mcpgate/internal/infra/registry"
	"mcpgate/internal/infra/telemetry"
)

type ToolsOptions struct {
	ConfigPath string
	// ServerID narrows the listing to one server when set.
	ServerID string
}

// ListTools starts the configured servers, prints their advertised tools
// as JSON on stdout, and shuts everything down again.
func (a *App) ListTools(ctx context.Context, opts ToolsOptions) error {
	loaded, err := catalog.NewLoader(a.logger).Load(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}

	reg := registry.New(registry.Options{
		Logger:            a.logger,
		Metrics:           telemetry.NewNoopMetrics(),
		Connection:        connectionOptions(loaded.Gateway, a.logger, telemetry.NewNoopMetrics()),
		FanoutConcurrency: loaded.Gateway.FanoutConcurrency,
	})
	defer func() {
		if err := reg.ShutdownAll(); err != nil {
			a.logger.Warn("shutdown finished with errors", zap.Error(err))
		}
	}()

	outcome := reg.InitializeAll(ctx, loaded.Servers)
	for serverID, initErr := range outcome {
		if initErr != nil {
			a.logger.Warn("server failed to start",
				telemetry.ServerIDField(serverID), zap.Error(initErr))
		}
	}

	var payload any
	if opts.ServerID != "" {
		tools, err := reg.ListTools(ctx, opts.ServerID)
		if err != nil {
			return err
		}
		payload = map[string][]domain.Tool{opts.ServerID: tools}
	} else {
		payload = reg.ListAllTools(ctx)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	return nil
}

func classifyAll(servers []domain.ServerConfig) (map[string]domain.Variant, error) {
	variants := make(map[string]domain.Variant, len(servers))
	for _, server := range servers {
		variant, err := detect.Classify(server)
		if err != nil {
			return nil, fmt.Errorf("classify %s: %w", server.ID, err)
		}
		variants[server.ID] = variant
	}
	return variants, nil
}
