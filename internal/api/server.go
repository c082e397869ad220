package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
)

// Orchestrator is the slice of the registry the API exposes over HTTP.
type Orchestrator interface {
	ListServers() []domain.ServerDetails
	GetServerInfo(serverID string) (domain.ServerDetails, error)
	IsHealthy(ctx context.Context, serverID string) (bool, error)
	OverallHealth(ctx context.Context) map[string]bool
	ListTools(ctx context.Context, serverID string) ([]domain.Tool, error)
	ListAllTools(ctx context.Context) map[string][]domain.Tool
	ExecuteTool(ctx context.Context, serverID, tool string, args map[string]any, opts domain.CallOptions) (*domain.ToolResult, error)
	ListResources(ctx context.Context, serverID string) ([]domain.Resource, error)
	ReadResource(ctx context.Context, serverID, uri string) (json.RawMessage, error)
	SendRawMessage(ctx context.Context, serverID, method string, params json.RawMessage) (json.RawMessage, error)
}

type Server struct {
	orchestrator Orchestrator
	logger       *zap.Logger
}

func NewServer(orchestrator Orchestrator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orchestrator: orchestrator,
		logger:       logger.Named("api"),
	}
}

// Router mounts every gateway route under /api.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleOverallHealth)
		r.Get("/tools", s.handleListAllTools)
		r.Get("/servers", s.handleListServers)
		r.Route("/servers/{serverID}", func(r chi.Router) {
			r.Get("/", s.handleGetServer)
			r.Get("/health", s.handleServerHealth)
			r.Get("/tools", s.handleListTools)
			r.Post("/tools/{tool}", s.handleExecuteTool)
			r.Get("/resources", s.handleListResources)
			r.Get("/resources/read", s.handleReadResource)
			r.Post("/raw", s.handleSendRaw)
		})
	})

	return r
}

// Serve runs the API until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = domain.DefaultAPIListenAddress
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("api server failed to start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("api server shutdown error", zap.Error(err))
			return err
		}
		s.logger.Info("api server stopped")
		return nil
	}
}
