package domain

const (
	DefaultProtocolVersion = "2024-11-05"

	DefaultTimeoutMs      = 8000
	DefaultStartupGraceMs = 0

	DefaultFanoutConcurrency     = 4
	DefaultHealthIntervalSeconds = 30

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerCooldownSeconds  = 30
	DefaultBreakerWindowSeconds    = 60

	DefaultRetryMaxAttempts    = 3
	DefaultRetryInitialDelayMs = 250
	DefaultRetryMultiplier     = 2.0
	DefaultRetryMaxDelayMs     = 5000

	DefaultAPIListenAddress     = "127.0.0.1:8080"
	DefaultMetricsListenAddress = "0.0.0.0:9090"
)
