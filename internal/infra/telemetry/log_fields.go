package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldServerID   = "serverId"
	FieldVariant    = "variant"
	FieldState      = "state"
	FieldMethod     = "method"
	FieldDurationMs = "duration_ms"
	FieldLogSource  = "log_source"
	FieldLogStream  = "stream"
)

const (
	EventConnectAttempt  = "connect_attempt"
	EventConnectSuccess  = "connect_success"
	EventConnectFailure  = "connect_failure"
	EventHandshakeFailed = "handshake_failure"
	EventCallFailure     = "call_failure"
	EventPingFailure     = "ping_failure"
	EventBreakerOpen     = "breaker_open"
	EventCloseSuccess    = "close_success"
	EventCloseFailure    = "close_failure"
)

const (
	LogSourceCore       = "core"
	LogSourceDownstream = "downstream"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ServerIDField(serverID string) zap.Field {
	return zap.String(FieldServerID, serverID)
}

func VariantField(variant string) zap.Field {
	return zap.String(FieldVariant, variant)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func MethodField(method string) zap.Field {
	return zap.String(FieldMethod, method)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}
