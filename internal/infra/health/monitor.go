package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// Checker is the slice of the registry the monitor drives.
type Checker interface {
	OverallHealth(ctx context.Context) map[string]bool
}

type MonitorOptions struct {
	// Interval between sweeps. Defaults to the catalog default.
	Interval time.Duration
	// CheckTimeout bounds one whole sweep. Defaults to the interval.
	CheckTimeout time.Duration
	Logger       *zap.Logger
}

// Monitor pings every registered server on a fixed interval. Each sweep
// drives the per-connection Ready/Degraded transitions as a side effect of
// the ping, so the monitor itself keeps no state.
type Monitor struct {
	checker      Checker
	interval     time.Duration
	checkTimeout time.Duration
	logger       *zap.Logger
}

func NewMonitor(checker Checker, opts MonitorOptions) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Duration(domain.DefaultHealthIntervalSeconds) * time.Second
	}
	checkTimeout := opts.CheckTimeout
	if checkTimeout <= 0 || checkTimeout > interval {
		checkTimeout = interval
	}
	return &Monitor{
		checker:      checker,
		interval:     interval,
		checkTimeout: checkTimeout,
		logger:       logger,
	}
}

// Run sweeps until ctx is canceled. The first sweep happens after one full
// interval; startup handshakes already establish initial liveness.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	health := m.checker.OverallHealth(sweepCtx)
	unhealthy := 0
	for serverID, ok := range health {
		if ok {
			continue
		}
		unhealthy++
		m.logger.Warn("health check failed",
			telemetry.EventField(telemetry.EventPingFailure),
			telemetry.ServerIDField(serverID),
		)
	}
	m.logger.Debug("health sweep complete",
		zap.Int("servers", len(health)),
		zap.Int("unhealthy", unhealthy),
	)
}
