package connection

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/protocol"
	"mcpgate/internal/infra/resilience"
	"mcpgate/internal/infra/transport"
)

// Options carries the collaborators every connection shares. Zero values
// are usable; nil logger and metrics fall back to no-ops.
type Options struct {
	Logger  *zap.Logger
	Metrics domain.Metrics
	Breaker resilience.BreakerConfig
	Retry   resilience.RetryPolicy
	// HTTPClient serves http-variant connections. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// New builds the connection for a classified server. The child process is
// not spawned here; Start does that so callers control the launch window.
func New(cfg domain.ServerConfig, variant domain.Variant, opts Options) (domain.Connection, error) {
	s := newSession(cfg, variant, opts)

	switch variant {
	case domain.VariantStandard:
		s.begin = stdioBegin(cfg, s.logger)
	case domain.VariantEnriched:
		s.begin = stdioBegin(cfg, s.logger)
		s.decorate = enrichedDecorator(s.logger)
		s.postInit = enrichedPostInit
	case domain.VariantHTTP:
		client := opts.HTTPClient
		s.begin = func(context.Context) (rpcCaller, error) {
			return newHTTPCaller(cfg, client), nil
		}
	default:
		return nil, domain.E(domain.CodeInvalidArgument, "connection.new",
			"unknown variant "+string(variant), domain.ErrInvalidConfig)
	}
	return s, nil
}

func stdioBegin(cfg domain.ServerConfig, logger *zap.Logger) func(ctx context.Context) (rpcCaller, error) {
	return func(ctx context.Context) (rpcCaller, error) {
		proc := transport.NewStdio(cfg, transport.StdioOptions{Logger: logger})
		if err := proc.Start(ctx); err != nil {
			return nil, err
		}
		return protocol.NewCorrelator(proc, logger), nil
	}
}
