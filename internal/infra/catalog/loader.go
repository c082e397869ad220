package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mcpgate/internal/domain"
)

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

func newCatalogViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setGatewayDefaults(v)
	return v
}

func setGatewayDefaults(v *viper.Viper) {
	v.SetDefault("api.listenAddress", domain.DefaultAPIListenAddress)
	v.SetDefault("metrics.listenAddress", domain.DefaultMetricsListenAddress)
	v.SetDefault("healthIntervalSeconds", domain.DefaultHealthIntervalSeconds)
	v.SetDefault("fanoutConcurrency", domain.DefaultFanoutConcurrency)
	v.SetDefault("breaker.failureThreshold", domain.DefaultBreakerFailureThreshold)
	v.SetDefault("breaker.cooldownSeconds", domain.DefaultBreakerCooldownSeconds)
	v.SetDefault("breaker.windowSeconds", domain.DefaultBreakerWindowSeconds)
	v.SetDefault("retry.maxAttempts", domain.DefaultRetryMaxAttempts)
	v.SetDefault("retry.initialDelayMs", domain.DefaultRetryInitialDelayMs)
	v.SetDefault("retry.multiplier", domain.DefaultRetryMultiplier)
	v.SetDefault("retry.maxDelayMs", domain.DefaultRetryMaxDelayMs)
}

// rawServerList is decoded from the YAML directly rather than through viper:
// viper folds map keys to lower case, which would mangle env var and header
// names before they reach the child process.
type rawServerList struct {
	Servers []rawServerConfig `yaml:"servers"`
}

type rawServerConfig struct {
	ID             string            `yaml:"id"`
	Kind           string            `yaml:"kind"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutMs      int               `yaml:"timeoutMs"`
	StartupGraceMs int               `yaml:"startupGraceMs"`
	Disabled       bool              `yaml:"disabled"`
}

type rawGatewayConfig struct {
	API                   rawListenConfig  `mapstructure:"api"`
	Metrics               rawListenConfig  `mapstructure:"metrics"`
	HealthIntervalSeconds int              `mapstructure:"healthIntervalSeconds"`
	FanoutConcurrency     int              `mapstructure:"fanoutConcurrency"`
	Breaker               rawBreakerConfig `mapstructure:"breaker"`
	Retry                 rawRetryConfig   `mapstructure:"retry"`
}

type rawListenConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type rawBreakerConfig struct {
	FailureThreshold int `mapstructure:"failureThreshold"`
	CooldownSeconds  int `mapstructure:"cooldownSeconds"`
	WindowSeconds    int `mapstructure:"windowSeconds"`
}

type rawRetryConfig struct {
	MaxAttempts    int     `mapstructure:"maxAttempts"`
	InitialDelayMs int     `mapstructure:"initialDelayMs"`
	Multiplier     float64 `mapstructure:"multiplier"`
	MaxDelayMs     int     `mapstructure:"maxDelayMs"`
}

// Load reads, env-expands, decodes, and validates the catalog file.
// Validation failures are joined into one error so the operator sees every
// problem at once.
func (l *Loader) Load(ctx context.Context, path string) (domain.Catalog, error) {
	if path == "" {
		return domain.Catalog{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("read config: %w", err)
	}

	expanded, missing, err := expandEnvRefs(data)
	if err != nil {
		return domain.Catalog{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path), zap.Strings("missing", missing))
	}

	v := newCatalogViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Catalog{}, fmt.Errorf("parse config: %w", err)
	}

	var gatewayRaw rawGatewayConfig
	if err := v.Unmarshal(&gatewayRaw); err != nil {
		return domain.Catalog{}, fmt.Errorf("decode config: %w", err)
	}

	var serverList rawServerList
	if err := yaml.Unmarshal([]byte(expanded), &serverList); err != nil {
		return domain.Catalog{}, fmt.Errorf("decode servers: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return domain.Catalog{}, err
	}

	var validationErrors []string
	gateway, gatewayErrs := normalizeGatewayConfig(gatewayRaw)
	validationErrors = append(validationErrors, gatewayErrs...)

	if len(serverList.Servers) == 0 {
		validationErrors = append(validationErrors, "at least one server is required")
	}

	servers := make([]domain.ServerConfig, 0, len(serverList.Servers))
	idSeen := make(map[string]struct{})
	for i, raw := range serverList.Servers {
		server := normalizeServerConfig(raw)
		if _, exists := idSeen[server.ID]; exists {
			validationErrors = append(validationErrors, fmt.Sprintf("servers[%d]: duplicate id %q", i, server.ID))
		} else if server.ID != "" {
			idSeen[server.ID] = struct{}{}
		}

		if errs := validateServerConfig(server, i); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		servers = append(servers, server)
	}

	if len(validationErrors) > 0 {
		return domain.Catalog{}, fmt.Errorf("%w: %s",
			domain.ErrInvalidConfig, strings.Join(validationErrors, "; "))
	}

	return domain.Catalog{
		Servers: servers,
		Gateway: gateway,
	}, nil
}

func normalizeServerConfig(raw rawServerConfig) domain.ServerConfig {
	kind := domain.TransportKind(strings.ToLower(strings.TrimSpace(raw.Kind)))
	if kind == "" && strings.TrimSpace(raw.URL) != "" && strings.TrimSpace(raw.Command) == "" {
		kind = domain.KindHTTP
	}
	if kind == "" {
		kind = domain.KindStdio
	}

	cfg := domain.ServerConfig{
		ID:             strings.TrimSpace(raw.ID),
		Kind:           kind,
		Command:        strings.TrimSpace(raw.Command),
		Args:           raw.Args,
		Env:            raw.Env,
		URL:            strings.TrimSpace(raw.URL),
		Headers:        normalizeHeaders(raw.Headers),
		TimeoutMs:      raw.TimeoutMs,
		StartupGraceMs: raw.StartupGraceMs,
		Enabled:        !raw.Disabled,
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = domain.DefaultTimeoutMs
	}
	return cfg
}

func normalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	normalized := make(map[string]string, len(headers))
	for key, value := range headers {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		normalized[http.CanonicalHeaderKey(trimmed)] = strings.TrimSpace(value)
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}

func validateServerConfig(cfg domain.ServerConfig, index int) []string {
	var errs []string

	if cfg.ID == "" {
		errs = append(errs, fmt.Sprintf("servers[%d]: id is required", index))
	}

	switch cfg.Kind {
	case domain.KindStdio:
		if cfg.Command == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: command is required for stdio kind", index))
		}
		if cfg.URL != "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: url must be empty for stdio kind", index))
		}
	case domain.KindHTTP:
		if cfg.Command != "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: command must be empty for http kind", index))
		}
		if len(cfg.Env) > 0 {
			errs = append(errs, fmt.Sprintf("servers[%d]: env must be empty for http kind", index))
		}
		if cfg.URL == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: url is required for http kind", index))
		} else if parsed, err := url.ParseRequestURI(cfg.URL); err != nil || parsed.Host == "" ||
			(parsed.Scheme != "http" && parsed.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("servers[%d]: url must be a valid http(s) URL", index))
		}
	default:
		errs = append(errs, fmt.Sprintf("servers[%d]: kind must be stdio or http", index))
	}

	if cfg.TimeoutMs < 0 {
		errs = append(errs, fmt.Sprintf("servers[%d]: timeoutMs must be >= 0", index))
	}
	if cfg.StartupGraceMs < 0 {
		errs = append(errs, fmt.Sprintf("servers[%d]: startupGraceMs must be >= 0", index))
	}
	return errs
}

func normalizeGatewayConfig(cfg rawGatewayConfig) (domain.GatewayConfig, []string) {
	var errs []string

	apiAddr := strings.TrimSpace(cfg.API.ListenAddress)
	if apiAddr == "" {
		apiAddr = domain.DefaultAPIListenAddress
	}
	metricsAddr := strings.TrimSpace(cfg.Metrics.ListenAddress)
	if metricsAddr == "" {
		metricsAddr = domain.DefaultMetricsListenAddress
	}

	healthInterval := cfg.HealthIntervalSeconds
	if healthInterval <= 0 {
		errs = append(errs, "healthIntervalSeconds must be > 0")
	}
	fanout := cfg.FanoutConcurrency
	if fanout <= 0 {
		errs = append(errs, "fanoutConcurrency must be > 0")
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker.failureThreshold must be > 0")
	}
	if cfg.Breaker.CooldownSeconds <= 0 {
		errs = append(errs, "breaker.cooldownSeconds must be > 0")
	}
	if cfg.Breaker.WindowSeconds <= 0 {
		errs = append(errs, "breaker.windowSeconds must be > 0")
	}

	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.maxAttempts must be > 0")
	}
	if cfg.Retry.InitialDelayMs < 0 {
		errs = append(errs, "retry.initialDelayMs must be >= 0")
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be >= 1")
	}
	if cfg.Retry.MaxDelayMs < cfg.Retry.InitialDelayMs {
		errs = append(errs, "retry.maxDelayMs must be >= retry.initialDelayMs")
	}

	return domain.GatewayConfig{
		APIListenAddress:      apiAddr,
		MetricsListenAddress:  metricsAddr,
		HealthIntervalSeconds: healthInterval,
		FanoutConcurrency:     fanout,
		Breaker: domain.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			CooldownSeconds:  cfg.Breaker.CooldownSeconds,
			WindowSeconds:    cfg.Breaker.WindowSeconds,
		},
		Retry: domain.RetrySettings{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialDelayMs: cfg.Retry.InitialDelayMs,
			Multiplier:     cfg.Retry.Multiplier,
			MaxDelayMs:     cfg.Retry.MaxDelayMs,
		},
	}, errs
}
