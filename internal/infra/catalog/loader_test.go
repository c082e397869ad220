package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_LoadFullCatalog(t *testing.T) {
	path := writeConfig(t, `
api:
  listenAddress: "127.0.0.1:9000"
healthIntervalSeconds: 15
fanoutConcurrency: 8
breaker:
  failureThreshold: 3
servers:
  - id: weather
    kind: stdio
    command: java
    args: ["-jar", "weather.jar"]
    env:
      SPRING_PROFILES_ACTIVE: mcp
    timeoutMs: 5000
    startupGraceMs: 10000
  - id: remote
    kind: http
    url: "http://localhost:8081/mcp"
    headers:
      authorization: "Bearer secret"
  - id: sleepy
    kind: stdio
    command: node
    args: ["srv.js"]
    disabled: true
`)

	loaded, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, loaded.Servers, 3)

	weather := domain.ServerConfig{
		ID:             "weather",
		Kind:           domain.KindStdio,
		Command:        "java",
		Args:           []string{"-jar", "weather.jar"},
		Env:            map[string]string{"SPRING_PROFILES_ACTIVE": "mcp"},
		TimeoutMs:      5000,
		StartupGraceMs: 10000,
		Enabled:        true,
	}
	if diff := cmp.Diff(weather, loaded.Servers[0]); diff != "" {
		t.Fatalf("server config mismatch (-want +got):\n%s", diff)
	}

	remote := loaded.Servers[1]
	assert.Equal(t, domain.KindHTTP, remote.Kind)
	assert.Equal(t, "http://localhost:8081/mcp", remote.URL)
	// Header names are canonicalized.
	assert.Equal(t, "Bearer secret", remote.Headers["Authorization"])

	sleepy := loaded.Servers[2]
	assert.False(t, sleepy.Enabled)

	gateway := loaded.Gateway
	assert.Equal(t, "127.0.0.1:9000", gateway.APIListenAddress)
	assert.Equal(t, domain.DefaultMetricsListenAddress, gateway.MetricsListenAddress)
	assert.Equal(t, 15, gateway.HealthIntervalSeconds)
	assert.Equal(t, 8, gateway.FanoutConcurrency)
	assert.Equal(t, 3, gateway.Breaker.FailureThreshold)
	// Unset sections pick up defaults.
	assert.Equal(t, domain.DefaultBreakerCooldownSeconds, gateway.Breaker.CooldownSeconds)
	assert.Equal(t, domain.DefaultRetryMaxAttempts, gateway.Retry.MaxAttempts)
}

func TestLoader_DefaultsApply(t *testing.T) {
	path := writeConfig(t, `
servers:
  - id: only
    command: node
    args: ["srv.js"]
`)

	loaded, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)

	// Kind defaults to stdio when a command is present.
	require.Len(t, loaded.Servers, 1)
	assert.Equal(t, domain.KindStdio, loaded.Servers[0].Kind)
	assert.Equal(t, domain.DefaultTimeoutMs, loaded.Servers[0].TimeoutMs)

	assert.Equal(t, domain.DefaultAPIListenAddress, loaded.Gateway.APIListenAddress)
	assert.Equal(t, domain.DefaultHealthIntervalSeconds, loaded.Gateway.HealthIntervalSeconds)
	assert.Equal(t, domain.DefaultFanoutConcurrency, loaded.Gateway.FanoutConcurrency)
}

func TestLoader_EnvKeysKeepCase(t *testing.T) {
	path := writeConfig(t, `
servers:
  - id: spring
    command: java
    args: ["-jar", "server.jar"]
    env:
      SPRING_PROFILES_ACTIVE: mcp
      JAVA_OPTS: "-Xmx256m"
      mixedCaseKey: kept
  - id: remote
    kind: http
    url: "http://localhost:8081/mcp"
    headers:
      X-Request-Source: gateway
`)

	loaded, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)

	env := loaded.Servers[0].Env
	assert.Equal(t, map[string]string{
		"SPRING_PROFILES_ACTIVE": "mcp",
		"JAVA_OPTS":              "-Xmx256m",
		"mixedCaseKey":           "kept",
	}, env)
	assert.Equal(t, "gateway", loaded.Servers[1].Headers["X-Request-Source"])
}

func TestLoader_KindInferredFromURL(t *testing.T) {
	path := writeConfig(t, `
servers:
  - id: remote
    url: "https://mcp.example.com/rpc"
`)

	loaded, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, domain.KindHTTP, loaded.Servers[0].Kind)
}

func TestLoader_EnvExpansion(t *testing.T) {
	t.Setenv("GATEWAY_TEST_TOKEN", "tok-123")
	t.Setenv("GATEWAY_TEST_TIMEOUT", "7000")

	path := writeConfig(t, `
servers:
  - id: remote
    kind: http
    url: "http://localhost:8081/mcp"
    headers:
      Authorization: "Bearer ${GATEWAY_TEST_TOKEN}"
    timeoutMs: ${GATEWAY_TEST_TIMEOUT}
`)

	loaded, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", loaded.Servers[0].Headers["Authorization"])
	assert.Equal(t, 7000, loaded.Servers[0].TimeoutMs)
}

func TestLoader_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantMsg string
	}{
		{
			name:    "empty servers list",
			config:  "healthIntervalSeconds: 30\n",
			wantMsg: "at least one server is required",
		},
		{
			name: "duplicate ids",
			config: `
servers:
  - id: a
    command: node
  - id: a
    command: node
`,
			wantMsg: "duplicate id",
		},
		{
			name: "stdio without command",
			config: `
servers:
  - id: a
    kind: stdio
`,
			wantMsg: "command is required",
		},
		{
			name: "http without url",
			config: `
servers:
  - id: a
    kind: http
`,
			wantMsg: "url is required",
		},
		{
			name: "http with bad url",
			config: `
servers:
  - id: a
    kind: http
    url: "not a url"
`,
			wantMsg: "valid http(s) URL",
		},
		{
			name: "http with command",
			config: `
servers:
  - id: a
    kind: http
    url: "http://localhost:1234"
    command: java
`,
			wantMsg: "command must be empty",
		},
		{
			name: "unknown kind",
			config: `
servers:
  - id: a
    kind: pigeon
    command: coo
`,
			wantMsg: "kind must be stdio or http",
		},
		{
			name: "missing id",
			config: `
servers:
  - command: node
`,
			wantMsg: "id is required",
		},
		{
			name: "negative breaker threshold",
			config: `
breaker:
  failureThreshold: -1
servers:
  - id: a
    command: node
`,
			wantMsg: "breaker.failureThreshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.config)
			_, err := NewLoader(nil).Load(context.Background(), path)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoader_AllValidationErrorsReported(t *testing.T) {
	path := writeConfig(t, `
servers:
  - id: a
    kind: stdio
  - id: b
    kind: http
`)

	_, err := NewLoader(nil).Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "servers[0]: command is required")
	assert.Contains(t, err.Error(), "servers[1]: url is required")
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader(nil).Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	_, err = NewLoader(nil).Load(context.Background(), "")
	require.Error(t, err)
}
