package domain

import (
	"encoding/json"
	"time"
)

// TransportKind selects how a backend server is reached.
type TransportKind string

const (
	KindStdio TransportKind = "stdio"
	KindHTTP  TransportKind = "http"
)

// Variant is the connection implementation chosen by the detector.
type Variant string

const (
	VariantEnriched Variant = "enriched"
	VariantStandard Variant = "standard"
	VariantHTTP     Variant = "http"
)

// ServerConfig describes one backend server. Immutable once a connection
// has been built from it.
type ServerConfig struct {
	ID      string            `json:"id"`
	Kind    TransportKind     `json:"kind"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	TimeoutMs      int  `json:"timeoutMs"`
	StartupGraceMs int  `json:"startupGraceMs,omitempty"`
	Enabled        bool `json:"enabled"`
}

// Timeout returns the per-call budget for this server.
func (c ServerConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return time.Duration(DefaultTimeoutMs) * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// HandshakeTimeout returns the initialize budget, which adds the startup
// grace for servers with slow boot sequences.
func (c ServerConfig) HandshakeTimeout() time.Duration {
	return c.Timeout() + time.Duration(c.StartupGraceMs)*time.Millisecond
}

// ConnectionState tracks where a connection is in its lifecycle.
type ConnectionState string

const (
	StateUninitialized ConnectionState = "uninitialized"
	StateInitializing  ConnectionState = "initializing"
	StateReady         ConnectionState = "ready"
	StateDegraded      ConnectionState = "degraded"
	StateFailed        ConnectionState = "failed"
	StateClosed        ConnectionState = "closed"
)

// Accepting reports whether the state admits remote calls.
func (s ConnectionState) Accepting() bool {
	return s == StateReady || s == StateDegraded
}

// ServerInfo is the identity a remote reports during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type LoggingCapability struct{}

// ServerDetails is the read-only snapshot returned by GetServerInfo.
type ServerDetails struct {
	ServerID        string             `json:"serverId"`
	Variant         Variant            `json:"variant"`
	State           ConnectionState    `json:"state"`
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// Tool is one callable entry a server advertises.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is one readable entry a server advertises.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ContentPart is one element of a tool result. Type is either "text" or
// "blob"; exactly one of Text and Bytes is set.
type ContentPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
}

// ToolResult is the outcome of one tool execution. IsError marks an
// application-level failure carried over a successful protocol exchange;
// it is a result value, never a transport error.
type ToolResult struct {
	Content []ContentPart `json:"content"`
	IsError bool          `json:"isError"`
}

// Notification is a server-push message with no request ID.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CallOptions adjusts a single tool execution.
type CallOptions struct {
	// Timeout overrides the connection's configured budget when positive.
	Timeout time.Duration
	// Idempotent permits retrying the call on transient failure.
	Idempotent bool
}
