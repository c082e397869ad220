// Package resilience wraps every remote call in the same ordering:
// breaker check, timeout, retry with backoff, breaker update. The ordering
// is fixed here so failure counting matches what callers observe.
package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// Call describes one remote operation for the executor.
type Call struct {
	Method string
	// Timeout overrides the executor's default budget when positive.
	Timeout time.Duration
	// Idempotent marks the call safe to retry. Discovery and read calls
	// are idempotent; tool execution is only when the caller says so.
	Idempotent bool
}

type ExecutorOptions struct {
	ServerID string
	Timeout  time.Duration
	Breaker  BreakerConfig
	Retry    RetryPolicy
	Logger   *zap.Logger
	Metrics  domain.Metrics
}

// Executor owns one server's breaker and applies the wrapper chain to each
// call. It is safe for concurrent use.
type Executor struct {
	serverID string
	timeout  time.Duration
	breaker  *Breaker
	retry    RetryPolicy
	logger   *zap.Logger
	metrics  domain.Metrics
}

func NewExecutor(opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultTimeoutMs) * time.Millisecond
	}
	return &Executor{
		serverID: opts.ServerID,
		timeout:  timeout,
		breaker:  NewBreaker(opts.Breaker),
		retry:    opts.Retry.normalized(),
		logger:   logger,
		metrics:  metrics,
	}
}

// BreakerState exposes the current gate state for status reporting.
func (e *Executor) BreakerState() BreakerState {
	return e.breaker.State()
}

// Do runs fn under the wrapper chain. The transport is never touched while
// the breaker is open; the breaker is updated exactly once per logical call.
func (e *Executor) Do(ctx context.Context, call Call, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	started := time.Now()
	result, err := e.do(ctx, call, fn)
	e.metrics.ObserveCall(e.serverID, call.Method, time.Since(started), err)

	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		// Fast-fail never touched the transport; not a new failure.
	case err != nil:
		e.breaker.RecordFailure()
	default:
		e.breaker.RecordSuccess()
	}
	e.metrics.SetBreakerState(e.serverID, string(e.breaker.State()))

	if e.breaker.State() == BreakerOpen {
		e.logger.Warn("circuit opened",
			telemetry.EventField(telemetry.EventBreakerOpen),
			telemetry.ServerIDField(e.serverID),
			telemetry.MethodField(call.Method),
		)
	}
	return result, err
}

func (e *Executor) do(ctx context.Context, call Call, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	maxAttempts := e.retry.MaxAttempts
	if !call.Idempotent {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !e.breaker.Allow() {
			return nil, domain.E(domain.CodeUnavailable, "resilience.do", "", domain.ErrCircuitOpen)
		}

		result, err := e.attempt(ctx, call, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxAttempts-1 || !retryable(err) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := e.retry.Delay(attempt)
		e.logger.Debug("retrying call",
			telemetry.ServerIDField(e.serverID),
			telemetry.MethodField(call.Method),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *Executor) attempt(ctx context.Context, call Call, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(callCtx)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, domain.E(domain.CodeDeadlineExceeded, "resilience.attempt",
			"call exceeded "+timeout.String(), context.DeadlineExceeded)
	}
	return result, err
}

type noopMetrics struct{}

func (noopMetrics) ObserveCall(string, string, time.Duration, error) {}
func (noopMetrics) ObserveHandshake(string, time.Duration, error)    {}
func (noopMetrics) SetBreakerState(string, string)                   {}
func (noopMetrics) SetActiveConnections(int)                         {}
