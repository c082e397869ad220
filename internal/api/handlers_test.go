package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/domain"
)

// fakeOrchestrator serves two scripted servers.
type fakeOrchestrator struct {
	executeArgs map[string]any
	executeOpts domain.CallOptions
	rawMethod   string
	rawParams   json.RawMessage
}

func (f *fakeOrchestrator) ListServers() []domain.ServerDetails {
	return []domain.ServerDetails{
		{ServerID: "alpha", Variant: domain.VariantEnriched, State: domain.StateReady},
		{ServerID: "beta", Variant: domain.VariantHTTP, State: domain.StateDegraded},
	}
}

func (f *fakeOrchestrator) GetServerInfo(serverID string) (domain.ServerDetails, error) {
	if serverID != "alpha" {
		return domain.ServerDetails{}, fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
	return domain.ServerDetails{
		ServerID:        "alpha",
		Variant:         domain.VariantEnriched,
		State:           domain.StateReady,
		ProtocolVersion: "2024-11-05",
		ServerInfo:      domain.ServerInfo{Name: "alpha-server", Version: "1.0"},
	}, nil
}

func (f *fakeOrchestrator) IsHealthy(_ context.Context, serverID string) (bool, error) {
	switch serverID {
	case "alpha":
		return true, nil
	case "beta":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
}

func (f *fakeOrchestrator) OverallHealth(context.Context) map[string]bool {
	return map[string]bool{"alpha": true, "beta": false}
}

func (f *fakeOrchestrator) ListTools(_ context.Context, serverID string) ([]domain.Tool, error) {
	if serverID != "alpha" {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
	return []domain.Tool{{Name: "get_weather"}}, nil
}

func (f *fakeOrchestrator) ListAllTools(context.Context) map[string][]domain.Tool {
	return map[string][]domain.Tool{
		"alpha": {{Name: "get_weather"}},
		"beta":  {},
	}
}

func (f *fakeOrchestrator) ExecuteTool(_ context.Context, serverID, tool string, args map[string]any, opts domain.CallOptions) (*domain.ToolResult, error) {
	if serverID != "alpha" {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
	if tool == "broken" {
		return nil, domain.E(domain.CodeDeadlineExceeded, "conn.call", "call exceeded 2s", nil)
	}
	f.executeArgs = args
	f.executeOpts = opts
	return &domain.ToolResult{
		Content: []domain.ContentPart{{Type: "text", Text: "sunny"}},
	}, nil
}

func (f *fakeOrchestrator) ListResources(_ context.Context, serverID string) ([]domain.Resource, error) {
	if serverID != "alpha" {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
	return []domain.Resource{{URI: "file:///readme", Name: "readme"}}, nil
}

func (f *fakeOrchestrator) ReadResource(_ context.Context, serverID, uri string) (json.RawMessage, error) {
	if serverID != "alpha" {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
	return json.RawMessage(`{"contents":[{"uri":"` + uri + `","text":"hello"}]}`), nil
}

func (f *fakeOrchestrator) SendRawMessage(_ context.Context, serverID, method string, params json.RawMessage) (json.RawMessage, error) {
	if serverID != "alpha" {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
	f.rawMethod = method
	f.rawParams = params
	return json.RawMessage(`{"ok":true}`), nil
}

func newTestAPI(t *testing.T) (*fakeOrchestrator, http.Handler) {
	t.Helper()
	orchestrator := &fakeOrchestrator{}
	return orchestrator, NewServer(orchestrator, nil).Router()
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestAPI_ListServers(t *testing.T) {
	_, handler := newTestAPI(t)
	resp := doRequest(t, handler, http.MethodGet, "/api/servers", "")

	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Servers []domain.ServerDetails `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Servers, 2)
	assert.Equal(t, "alpha", body.Servers[0].ServerID)
	assert.Equal(t, domain.StateDegraded, body.Servers[1].State)
}

func TestAPI_GetServer(t *testing.T) {
	_, handler := newTestAPI(t)

	resp := doRequest(t, handler, http.MethodGet, "/api/servers/alpha", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var details domain.ServerDetails
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &details))
	assert.Equal(t, "alpha-server", details.ServerInfo.Name)
	assert.Equal(t, "2024-11-05", details.ProtocolVersion)

	resp = doRequest(t, handler, http.MethodGet, "/api/servers/ghost", "")
	require.Equal(t, http.StatusNotFound, resp.Code)
	var errResp errorBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	assert.Equal(t, string(domain.CodeNotFound), errResp.Error.Code)
}

func TestAPI_ServerHealth(t *testing.T) {
	_, handler := newTestAPI(t)

	resp := doRequest(t, handler, http.MethodGet, "/api/servers/alpha/health", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"healthy":true`)

	resp = doRequest(t, handler, http.MethodGet, "/api/servers/beta/health", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"healthy":false`)
}

func TestAPI_OverallHealthDegraded(t *testing.T) {
	_, handler := newTestAPI(t)

	resp := doRequest(t, handler, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var body struct {
		Healthy bool            `json:"healthy"`
		Servers map[string]bool `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.False(t, body.Healthy)
	assert.True(t, body.Servers["alpha"])
	assert.False(t, body.Servers["beta"])
}

func TestAPI_ListTools(t *testing.T) {
	_, handler := newTestAPI(t)

	resp := doRequest(t, handler, http.MethodGet, "/api/servers/alpha/tools", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "get_weather")

	resp = doRequest(t, handler, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Tools map[string][]domain.Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Tools, 2)
	assert.Empty(t, body.Tools["beta"])
}

func TestAPI_ExecuteTool(t *testing.T) {
	orchestrator, handler := newTestAPI(t)

	resp := doRequest(t, handler, http.MethodPost, "/api/servers/alpha/tools/get_weather",
		`{"arguments":{"city":"Austin"},"timeoutMs":3000,"idempotent":true}`)
	require.Equal(t, http.StatusOK, resp.Code)

	var result domain.ToolResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "sunny", result.Content[0].Text)

	assert.Equal(t, map[string]any{"city": "Austin"}, orchestrator.executeArgs)
	assert.True(t, orchestrator.executeOpts.Idempotent)
	assert.Equal(t, int64(3000), orchestrator.executeOpts.Timeout.Milliseconds())
}

func TestAPI_ExecuteToolEmptyBody(t *testing.T) {
	_, handler := newTestAPI(t)
	resp := doRequest(t, handler, http.MethodPost, "/api/servers/alpha/tools/get_weather", "")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestAPI_ExecuteToolErrors(t *testing.T) {
	_, handler := newTestAPI(t)

	resp := doRequest(t, handler, http.MethodPost, "/api/servers/alpha/tools/get_weather", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(t, handler, http.MethodPost, "/api/servers/ghost/tools/get_weather", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = doRequest(t, handler, http.MethodPost, "/api/servers/alpha/tools/broken", `{}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.Code)
}

func TestAPI_ReadResource(t *testing.T) {
	_, handler := newTestAPI(t)

	resp := doRequest(t, handler, http.MethodGet, "/api/servers/alpha/resources/read?uri=file%3A%2F%2F%2Freadme", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "hello")

	resp = doRequest(t, handler, http.MethodGet, "/api/servers/alpha/resources/read", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAPI_ListResources(t *testing.T) {
	_, handler := newTestAPI(t)
	resp := doRequest(t, handler, http.MethodGet, "/api/servers/alpha/resources", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "file:///readme")
}

func TestAPI_SendRaw(t *testing.T) {
	orchestrator, handler := newTestAPI(t)

	resp := doRequest(t, handler, http.MethodPost, "/api/servers/alpha/raw",
		`{"method":"prompts/list","params":{"cursor":null}}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"ok":true}`, resp.Body.String())
	assert.Equal(t, "prompts/list", orchestrator.rawMethod)

	resp = doRequest(t, handler, http.MethodPost, "/api/servers/alpha/raw", `{"params":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
