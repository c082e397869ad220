package telemetry

import (
	"time"

	"mcpgate/internal/domain"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveCall(_, _ string, _ time.Duration, _ error) {}

func (n *NoopMetrics) ObserveHandshake(_ string, _ time.Duration, _ error) {}

func (n *NoopMetrics) SetBreakerState(_, _ string) {}

func (n *NoopMetrics) SetActiveConnections(_ int) {}

var _ domain.Metrics = (*NoopMetrics)(nil)
