package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/connection"
	"mcpgate/internal/infra/detect"
	"mcpgate/internal/infra/telemetry"
)

// Factory builds one connection for a classified server. Injectable so
// tests run against fakes instead of child processes.
type Factory func(cfg domain.ServerConfig, variant domain.Variant, opts connection.Options) (domain.Connection, error)

type Options struct {
	Logger  *zap.Logger
	Metrics domain.Metrics
	// Connection is passed through to every connection the registry builds.
	Connection connection.Options
	// Factory defaults to connection.New.
	Factory Factory
	// FanoutConcurrency bounds parallel work across servers during
	// InitializeAll, OverallHealth, and ListAllTools.
	FanoutConcurrency int
}

// Registry owns every live connection and routes requests to them by
// server ID. One failing server never takes down calls to the others.
type Registry struct {
	logger   *zap.Logger
	metrics  domain.Metrics
	connOpts connection.Options
	factory  Factory
	fanout   int

	mu    sync.RWMutex
	conns map[string]domain.Connection
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	factory := opts.Factory
	if factory == nil {
		factory = connection.New
	}
	fanout := opts.FanoutConcurrency
	if fanout <= 0 {
		fanout = domain.DefaultFanoutConcurrency
	}
	return &Registry{
		logger:   logger,
		metrics:  metrics,
		connOpts: opts.Connection,
		factory:  factory,
		fanout:   fanout,
		conns:    make(map[string]domain.Connection),
	}
}

// InitializeAll classifies, builds, and starts a connection per enabled
// server, in parallel up to the fanout bound. The returned map has one
// entry per attempted server; a nil value means the server came up. A
// failed handshake still registers the connection so its Failed state
// stays visible to status endpoints.
func (r *Registry) InitializeAll(ctx context.Context, configs []domain.ServerConfig) map[string]error {
	type initResult struct {
		serverID string
		err      error
	}

	var targets []domain.ServerConfig
	for _, cfg := range configs {
		if !cfg.Enabled {
			r.logger.Info("server disabled, skipping", telemetry.ServerIDField(cfg.ID))
			continue
		}
		targets = append(targets, cfg)
	}

	results := make(chan initResult, len(targets))
	semaphore := make(chan struct{}, fanoutWorkerCount(r.fanout, len(targets)))
	var wg sync.WaitGroup

	for _, cfg := range targets {
		wg.Add(1)
		go func(cfg domain.ServerConfig) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				results <- initResult{serverID: cfg.ID, err: ctx.Err()}
				return
			}
			defer func() { <-semaphore }()

			results <- initResult{serverID: cfg.ID, err: r.initializeOne(ctx, cfg)}
		}(cfg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	outcome := make(map[string]error, len(targets))
	for result := range results {
		outcome[result.serverID] = result.err
	}
	r.metrics.SetActiveConnections(r.activeCount())
	return outcome
}

func (r *Registry) initializeOne(ctx context.Context, cfg domain.ServerConfig) error {
	variant, err := detect.Classify(cfg)
	if err != nil {
		r.logger.Error("server classification failed",
			telemetry.ServerIDField(cfg.ID), zap.Error(err))
		return err
	}

	conn, err := r.factory(cfg, variant, r.connOpts)
	if err != nil {
		r.logger.Error("connection build failed",
			telemetry.ServerIDField(cfg.ID), zap.Error(err))
		return err
	}

	startErr := conn.Start(ctx)

	r.mu.Lock()
	if existing, ok := r.conns[cfg.ID]; ok {
		r.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: duplicate server id %q (existing state %s)",
			domain.ErrInvalidConfig, cfg.ID, existing.State())
	}
	r.conns[cfg.ID] = conn
	r.mu.Unlock()

	return startErr
}

// ListServers returns a state snapshot per registered server, ordered by ID.
func (r *Registry) ListServers() []domain.ServerDetails {
	r.mu.RLock()
	details := make([]domain.ServerDetails, 0, len(r.conns))
	for _, conn := range r.conns {
		details = append(details, conn.Details())
	}
	r.mu.RUnlock()
	sort.Slice(details, func(i, j int) bool { return details[i].ServerID < details[j].ServerID })
	return details
}

func (r *Registry) GetServerInfo(serverID string) (domain.ServerDetails, error) {
	conn, err := r.lookup(serverID)
	if err != nil {
		return domain.ServerDetails{}, err
	}
	return conn.Details(), nil
}

// IsHealthy runs one liveness check against the server. The check itself
// drives the connection's Ready/Degraded edge.
func (r *Registry) IsHealthy(ctx context.Context, serverID string) (bool, error) {
	conn, err := r.lookup(serverID)
	if err != nil {
		return false, err
	}
	return conn.Ping(ctx) == nil, nil
}

// OverallHealth checks every registered server in parallel and reports
// liveness per ID. Unreachable servers report false, never an error.
func (r *Registry) OverallHealth(ctx context.Context) map[string]bool {
	conns := r.snapshot()

	type healthResult struct {
		serverID string
		healthy  bool
	}
	results := make(chan healthResult, len(conns))
	semaphore := make(chan struct{}, fanoutWorkerCount(r.fanout, len(conns)))
	var wg sync.WaitGroup

	for _, conn := range conns {
		wg.Add(1)
		go func(conn domain.Connection) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				results <- healthResult{serverID: conn.ServerID()}
				return
			}
			defer func() { <-semaphore }()
			results <- healthResult{
				serverID: conn.ServerID(),
				healthy:  conn.Ping(ctx) == nil,
			}
		}(conn)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	health := make(map[string]bool, len(conns))
	for result := range results {
		health[result.serverID] = result.healthy
	}
	return health
}

func (r *Registry) ListTools(ctx context.Context, serverID string) ([]domain.Tool, error) {
	conn, err := r.lookup(serverID)
	if err != nil {
		return nil, err
	}
	return conn.ListTools(ctx)
}

// ListAllTools aggregates discovery across every server. A server that
// fails discovery contributes an empty list under its ID rather than
// failing the whole call.
func (r *Registry) ListAllTools(ctx context.Context) map[string][]domain.Tool {
	conns := r.snapshot()

	type toolsResult struct {
		serverID string
		tools    []domain.Tool
	}
	results := make(chan toolsResult, len(conns))
	semaphore := make(chan struct{}, fanoutWorkerCount(r.fanout, len(conns)))
	var wg sync.WaitGroup

	for _, conn := range conns {
		wg.Add(1)
		go func(conn domain.Connection) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				results <- toolsResult{serverID: conn.ServerID(), tools: []domain.Tool{}}
				return
			}
			defer func() { <-semaphore }()

			tools, err := conn.ListTools(ctx)
			if err != nil {
				r.logger.Warn("tool discovery failed",
					telemetry.ServerIDField(conn.ServerID()), zap.Error(err))
				tools = []domain.Tool{}
			}
			if tools == nil {
				tools = []domain.Tool{}
			}
			results <- toolsResult{serverID: conn.ServerID(), tools: tools}
		}(conn)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	all := make(map[string][]domain.Tool, len(conns))
	for result := range results {
		all[result.serverID] = result.tools
	}
	return all
}

func (r *Registry) ExecuteTool(ctx context.Context, serverID, tool string, args map[string]any, opts domain.CallOptions) (*domain.ToolResult, error) {
	conn, err := r.lookup(serverID)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, tool, args, opts)
}

func (r *Registry) ListResources(ctx context.Context, serverID string) ([]domain.Resource, error) {
	conn, err := r.lookup(serverID)
	if err != nil {
		return nil, err
	}
	return conn.ListResources(ctx)
}

func (r *Registry) ReadResource(ctx context.Context, serverID, uri string) (json.RawMessage, error) {
	conn, err := r.lookup(serverID)
	if err != nil {
		return nil, err
	}
	return conn.ReadResource(ctx, uri)
}

func (r *Registry) SendRawMessage(ctx context.Context, serverID, method string, params json.RawMessage) (json.RawMessage, error) {
	conn, err := r.lookup(serverID)
	if err != nil {
		return nil, err
	}
	return conn.SendRaw(ctx, method, params)
}

// SubscribeNotifications returns the push stream of one server. The channel
// closes when the server's connection closes.
func (r *Registry) SubscribeNotifications(serverID string) (<-chan domain.Notification, error) {
	conn, err := r.lookup(serverID)
	if err != nil {
		return nil, err
	}
	return conn.Notifications(), nil
}

// ShutdownAll closes every connection and reports the joined failures.
// The registry is empty afterwards.
func (r *Registry) ShutdownAll() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]domain.Connection)
	r.mu.Unlock()

	var errs []error
	for serverID, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", serverID, err))
		}
	}
	r.metrics.SetActiveConnections(0)
	return errors.Join(errs...)
}

func (r *Registry) lookup(serverID string) (domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
	return conn, nil
}

func (r *Registry) snapshot() []domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]domain.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (r *Registry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, conn := range r.conns {
		if conn.State().Accepting() {
			count++
		}
	}
	return count
}

func fanoutWorkerCount(limit, total int) int {
	if total <= 0 {
		return 1
	}
	if limit > total {
		return total
	}
	return limit
}
