package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
)

// maxRequestBodyBytes bounds tool-call and raw-message payloads.
const maxRequestBodyBytes = 4 << 20

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type executeToolRequest struct {
	Arguments  map[string]any `json:"arguments"`
	TimeoutMs  int            `json:"timeoutMs"`
	Idempotent bool           `json:"idempotent"`
}

type rawMessageRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"servers": s.orchestrator.ListServers(),
	})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	details, err := s.orchestrator.GetServerInfo(chi.URLParam(r, "serverID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	healthy, err := s.orchestrator.IsHealthy(r.Context(), serverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"serverId": serverID,
		"healthy":  healthy,
	})
}

func (s *Server) handleOverallHealth(w http.ResponseWriter, r *http.Request) {
	health := s.orchestrator.OverallHealth(r.Context())
	allHealthy := true
	for _, ok := range health {
		if !ok {
			allHealthy = false
			break
		}
	}
	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"healthy": allHealthy,
		"servers": health,
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.orchestrator.ListTools(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tools == nil {
		tools = []domain.Tool{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleListAllTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.orchestrator.ListAllTools(r.Context()),
	})
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	opts := domain.CallOptions{Idempotent: req.Idempotent}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	result, err := s.orchestrator.ExecuteTool(r.Context(),
		chi.URLParam(r, "serverID"), chi.URLParam(r, "tool"), req.Arguments, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.orchestrator.ListResources(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if resources == nil {
		resources = []domain.Resource{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		s.writeError(w, r, domain.E(domain.CodeInvalidArgument, "api.readResource",
			"uri query parameter is required", nil))
		return
	}
	result, err := s.orchestrator.ReadResource(r.Context(), chi.URLParam(r, "serverID"), uri)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRawJSON(w, http.StatusOK, result)
}

func (s *Server) handleSendRaw(w http.ResponseWriter, r *http.Request) {
	var req rawMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Method == "" {
		s.writeError(w, r, domain.E(domain.CodeInvalidArgument, "api.sendRaw",
			"method is required", nil))
		return
	}

	result, err := s.orchestrator.SendRawMessage(r.Context(),
		chi.URLParam(r, "serverID"), req.Method, req.Params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRawJSON(w, http.StatusOK, result)
}

func decodeBody(r *http.Request, target any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return domain.E(domain.CodeInvalidArgument, "api.decode", "read request body", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return domain.E(domain.CodeInvalidArgument, "api.decode", "invalid JSON body", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeRawJSON(w http.ResponseWriter, status int, payload json.RawMessage) {
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		s.logger.Warn("response write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, ok := domain.CodeFrom(err)
	if !ok {
		code = domain.CodeInternal
	}

	status := statusFromCode(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path), zap.String("code", string(code)), zap.Error(err))
	} else {
		s.logger.Debug("request rejected",
			zap.String("path", r.URL.Path), zap.String("code", string(code)), zap.Error(err))
	}

	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = err.Error()
	s.writeJSON(w, status, body)
}

func statusFromCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeFailedPrecond:
		return http.StatusConflict
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case domain.CodeCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
