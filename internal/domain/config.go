package domain

import "time"

// BreakerSettings tunes the per-server circuit breaker.
type BreakerSettings struct {
	FailureThreshold int `json:"failureThreshold"`
	CooldownSeconds  int `json:"cooldownSeconds"`
	WindowSeconds    int `json:"windowSeconds"`
}

func (s BreakerSettings) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

func (s BreakerSettings) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

// RetrySettings tunes the retry wrapper applied to idempotent calls.
type RetrySettings struct {
	MaxAttempts    int     `json:"maxAttempts"`
	InitialDelayMs int     `json:"initialDelayMs"`
	Multiplier     float64 `json:"multiplier"`
	MaxDelayMs     int     `json:"maxDelayMs"`
}

func (s RetrySettings) InitialDelay() time.Duration {
	return time.Duration(s.InitialDelayMs) * time.Millisecond
}

func (s RetrySettings) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelayMs) * time.Millisecond
}

// GatewayConfig is the process-level configuration shared by every server.
type GatewayConfig struct {
	APIListenAddress      string          `json:"apiListenAddress"`
	MetricsListenAddress  string          `json:"metricsListenAddress"`
	HealthIntervalSeconds int             `json:"healthIntervalSeconds"`
	FanoutConcurrency     int             `json:"fanoutConcurrency"`
	Breaker               BreakerSettings `json:"breaker"`
	Retry                 RetrySettings   `json:"retry"`
}

func (c GatewayConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// Catalog is the loaded and validated configuration file.
type Catalog struct {
	Servers []ServerConfig
	Gateway GatewayConfig
}
