package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Connection is the live, stateful binding to one backend server. A
// connection exclusively owns its transport; closing the connection kills
// the underlying process.
type Connection interface {
	ServerID() string
	Variant() Variant
	State() ConnectionState
	Details() ServerDetails

	// Start brings the connection from Uninitialized through the protocol
	// handshake to Ready. On failure the connection is left in Failed and
	// must be recreated, not restarted.
	Start(ctx context.Context) error

	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (*ToolResult, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ReadResource(ctx context.Context, uri string) (json.RawMessage, error)

	// SendRaw is the escape hatch for protocol methods not otherwise wrapped.
	SendRaw(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	// Notifications returns the server-push stream for this connection. The
	// channel is closed when the connection closes; it is not restartable.
	Notifications() <-chan Notification

	// Ping performs one liveness check and drives the Ready/Degraded edge.
	Ping(ctx context.Context) error

	Close() error
}

// Metrics is the sink for operational measurements. Implementations must be
// safe for concurrent use.
type Metrics interface {
	ObserveCall(serverID, method string, duration time.Duration, err error)
	ObserveHandshake(serverID string, duration time.Duration, err error)
	SetBreakerState(serverID, state string)
	SetActiveConnections(count int)
}
