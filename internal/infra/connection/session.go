package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/resilience"
	"mcpgate/internal/infra/telemetry"
)

// rpcCaller is what a session needs from the layer below: matched calls,
// fire-and-forget notifies, and the push stream. The stdio correlator and
// the http round-tripper both satisfy it.
type rpcCaller interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params json.RawMessage) error
	Notifications() <-chan domain.Notification
	Close() error
}

var _ domain.Connection = (*session)(nil)

// session carries the state machine and typed operations shared by every
// connection variant. Variant-specific behavior hangs off the two hooks.
type session struct {
	cfg        domain.ServerConfig
	variant    domain.Variant
	instanceID string
	logger     *zap.Logger
	metrics    domain.Metrics
	exec       *resilience.Executor

	// begin produces the rpc layer, spawning the child process for stdio
	// variants. Called once, from Start.
	begin func(ctx context.Context) (rpcCaller, error)
	// decorate rewrites outgoing params; nil for variants with no
	// extension metadata.
	decorate func(params json.RawMessage) json.RawMessage
	// postInit runs after a successful initialize exchange; nil when the
	// variant sends no acknowledgement.
	postInit func(ctx context.Context, caller rpcCaller) error

	mu              sync.RWMutex
	state           domain.ConnectionState
	caller          rpcCaller
	protocolVersion string
	serverInfo      domain.ServerInfo
	caps            domain.ServerCapabilities

	closeOnce sync.Once
}

func newSession(cfg domain.ServerConfig, variant domain.Variant, opts Options) *session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &session{
		cfg:        cfg,
		variant:    variant,
		instanceID: uuid.NewString(),
		logger: logger.With(
			telemetry.ServerIDField(cfg.ID),
			telemetry.VariantField(string(variant)),
		),
		metrics: metrics,
		exec: resilience.NewExecutor(resilience.ExecutorOptions{
			ServerID: cfg.ID,
			Timeout:  cfg.Timeout(),
			Breaker:  opts.Breaker,
			Retry:    opts.Retry,
			Logger:   logger,
			Metrics:  metrics,
		}),
		state: domain.StateUninitialized,
	}
}

func (s *session) ServerID() string        { return s.cfg.ID }
func (s *session) Variant() domain.Variant { return s.variant }

func (s *session) State() domain.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *session) Details() domain.ServerDetails {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ServerDetails{
		ServerID:        s.cfg.ID,
		Variant:         s.variant,
		State:           s.state,
		ProtocolVersion: s.protocolVersion,
		ServerInfo:      s.serverInfo,
		Capabilities:    s.caps,
	}
}

// Start spawns the transport and runs the protocol handshake. A handshake
// failure leaves the connection in Failed; the registry recreates rather
// than restarts failed connections.
func (s *session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return domain.E(domain.CodeFailedPrecond, "connection.start",
			fmt.Sprintf("cannot start from state %q", state), nil)
	}
	s.state = domain.StateInitializing
	s.mu.Unlock()

	started := time.Now()
	s.logger.Info("connection starting",
		telemetry.EventField(telemetry.EventConnectAttempt),
		zap.String("instanceId", s.instanceID),
	)

	caller, err := s.begin(ctx)
	if err != nil {
		s.setState(domain.StateFailed)
		s.logger.Error("connection start failed",
			telemetry.EventField(telemetry.EventConnectFailure),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return domain.Wrap(domain.CodeUnavailable, "connection.start", err)
	}

	s.mu.Lock()
	s.caller = caller
	s.mu.Unlock()

	if err := s.initialize(ctx, caller); err != nil {
		s.setState(domain.StateFailed)
		_ = caller.Close()
		s.metrics.ObserveHandshake(s.cfg.ID, time.Since(started), err)
		s.logger.Error("handshake failed",
			telemetry.EventField(telemetry.EventHandshakeFailed),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s", domain.ErrHandshakeFailed, err.Error())
	}

	if s.postInit != nil {
		if err := s.postInit(ctx, caller); err != nil {
			s.setState(domain.StateFailed)
			_ = caller.Close()
			s.metrics.ObserveHandshake(s.cfg.ID, time.Since(started), err)
			return fmt.Errorf("%w: post-initialize: %s", domain.ErrHandshakeFailed, err.Error())
		}
	}

	s.setState(domain.StateReady)
	s.metrics.ObserveHandshake(s.cfg.ID, time.Since(started), nil)
	s.logger.Info("connection ready",
		telemetry.EventField(telemetry.EventConnectSuccess),
		telemetry.DurationField(time.Since(started)),
		zap.String("protocolVersion", s.protocolVersion),
		zap.String("serverName", s.serverInfo.Name),
	)
	return nil
}

func (s *session) initialize(ctx context.Context, caller rpcCaller) error {
	params := &mcp.InitializeParams{
		ProtocolVersion: domain.DefaultProtocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    "mcpgate",
			Version: "0.1.0",
		},
		Capabilities: &mcp.ClientCapabilities{},
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal initialize params: %w", err)
	}

	result, err := s.exec.Do(ctx, resilience.Call{
		Method:     "initialize",
		Timeout:    s.cfg.HandshakeTimeout(),
		Idempotent: true,
	}, func(ctx context.Context) (json.RawMessage, error) {
		return caller.Call(ctx, "initialize", s.applyDecoration(rawParams))
	})
	if err != nil {
		return err
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if initResult.ProtocolVersion == "" {
		return fmt.Errorf("initialize result missing protocolVersion")
	}

	s.mu.Lock()
	s.protocolVersion = initResult.ProtocolVersion
	if initResult.ServerInfo != nil {
		s.serverInfo = domain.ServerInfo{
			Name:    initResult.ServerInfo.Name,
			Version: initResult.ServerInfo.Version,
		}
	}
	s.caps = mapCapabilities(initResult.Capabilities)
	s.mu.Unlock()
	return nil
}

func (s *session) ListTools(ctx context.Context) ([]domain.Tool, error) {
	result, err := s.call(ctx, resilience.Call{Method: "tools/list", Idempotent: true}, struct{}{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []domain.Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, domain.E(domain.CodeInternal, "connection.listTools", "decode tools list", err)
	}
	return out.Tools, nil
}

func (s *session) CallTool(ctx context.Context, name string, args map[string]any, opts domain.CallOptions) (*domain.ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	result, err := s.call(ctx, resilience.Call{
		Method:     "tools/call",
		Timeout:    opts.Timeout,
		Idempotent: opts.Idempotent,
	}, params)
	if err != nil {
		return nil, err
	}
	var toolResult domain.ToolResult
	if err := json.Unmarshal(result, &toolResult); err != nil {
		return nil, domain.E(domain.CodeInternal, "connection.callTool", "decode tool result", err)
	}
	return &toolResult, nil
}

func (s *session) ListResources(ctx context.Context) ([]domain.Resource, error) {
	result, err := s.call(ctx, resilience.Call{Method: "resources/list", Idempotent: true}, struct{}{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Resources []domain.Resource `json:"resources"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, domain.E(domain.CodeInternal, "connection.listResources", "decode resources list", err)
	}
	return out.Resources, nil
}

func (s *session) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return s.call(ctx, resilience.Call{Method: "resources/read", Idempotent: true}, map[string]any{"uri": uri})
}

func (s *session) SendRaw(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	caller, err := s.activeCaller()
	if err != nil {
		return nil, err
	}
	return s.exec.Do(ctx, resilience.Call{Method: method}, func(ctx context.Context) (json.RawMessage, error) {
		return caller.Call(ctx, method, s.applyDecoration(params))
	})
}

func (s *session) Notifications() <-chan domain.Notification {
	s.mu.RLock()
	caller := s.caller
	s.mu.RUnlock()
	if caller == nil {
		ch := make(chan domain.Notification)
		close(ch)
		return ch
	}
	return caller.Notifications()
}

// Ping drives the Ready/Degraded edge: a failed check degrades the
// connection, the next success restores it.
func (s *session) Ping(ctx context.Context) error {
	_, err := s.call(ctx, resilience.Call{Method: "ping", Idempotent: true}, struct{}{})
	if err != nil {
		s.markDegraded(err)
		return err
	}
	return nil
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = domain.StateClosed
		caller := s.caller
		s.mu.Unlock()
		if caller != nil {
			err = caller.Close()
		}
		if err != nil {
			s.logger.Warn("connection close failed",
				telemetry.EventField(telemetry.EventCloseFailure), zap.Error(err))
			return
		}
		s.logger.Info("connection closed",
			telemetry.EventField(telemetry.EventCloseSuccess))
	})
	return err
}

// call marshals params, applies variant decoration, and runs the exchange
// under the resilience chain. A success while degraded restores Ready.
func (s *session) call(ctx context.Context, rcall resilience.Call, params any) (json.RawMessage, error) {
	caller, err := s.activeCaller()
	if err != nil {
		return nil, err
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidArgument, "connection.call", "marshal params", err)
	}
	rawParams = s.applyDecoration(rawParams)

	result, err := s.exec.Do(ctx, rcall, func(ctx context.Context) (json.RawMessage, error) {
		return caller.Call(ctx, rcall.Method, rawParams)
	})
	if err != nil {
		return nil, err
	}
	s.markHealthy()
	return result, nil
}

func (s *session) activeCaller() (rpcCaller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == domain.StateClosed {
		return nil, domain.ErrConnectionClosed
	}
	if !s.state.Accepting() {
		return nil, domain.E(domain.CodeFailedPrecond, "connection.call",
			fmt.Sprintf("connection is %s", s.state), nil)
	}
	return s.caller, nil
}

func (s *session) applyDecoration(params json.RawMessage) json.RawMessage {
	if s.decorate == nil {
		return params
	}
	return s.decorate(params)
}

func (s *session) setState(state domain.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateClosed {
		return
	}
	s.state = state
}

func (s *session) markHealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateDegraded {
		s.state = domain.StateReady
	}
}

func (s *session) markDegraded(cause error) {
	s.mu.Lock()
	if s.state != domain.StateReady {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateDegraded
	s.mu.Unlock()
	s.logger.Warn("connection degraded",
		telemetry.EventField(telemetry.EventPingFailure),
		telemetry.StateField(string(domain.StateDegraded)),
		zap.Error(cause),
	)
}

// BreakerState exposes the resilience gate for status endpoints.
func (s *session) BreakerState() string {
	return string(s.exec.BreakerState())
}

func mapCapabilities(caps *mcp.ServerCapabilities) domain.ServerCapabilities {
	out := domain.ServerCapabilities{}
	if caps == nil {
		return out
	}
	if caps.Tools != nil {
		out.Tools = &domain.ToolsCapability{ListChanged: caps.Tools.ListChanged}
	}
	if caps.Resources != nil {
		out.Resources = &domain.ResourcesCapability{
			Subscribe:   caps.Resources.Subscribe,
			ListChanged: caps.Resources.ListChanged,
		}
	}
	if caps.Prompts != nil {
		out.Prompts = &domain.PromptsCapability{ListChanged: caps.Prompts.ListChanged}
	}
	if caps.Logging != nil {
		out.Logging = &domain.LoggingCapability{}
	}
	return out
}

type noopMetrics struct{}

func (noopMetrics) ObserveCall(string, string, time.Duration, error) {}
func (noopMetrics) ObserveHandshake(string, time.Duration, error)    {}
func (noopMetrics) SetBreakerState(string, string)                   {}
func (noopMetrics) SetActiveConnections(int)                         {}
