// Package httpapi exposes the agent run API: run creation, status, stop,
// and the SSE/WebSocket event streams.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/mcp"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/stream"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Deps carries everything the API surface needs.
type Deps struct {
	Server    config.ServerConfig
	Manager   *agent.Manager
	Stores    *store.Stores
	Fabric    stream.Fabric
	MCP       *mcp.Manager // nil = no MCP servers configured
	Workspace string
	Version   string
}

// Server is the HTTP listener for the agent API.
type Server struct {
	deps Deps
	srv  *http.Server
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", deps.Server.Host, deps.Server.Port),
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// BuildMux assembles the route table. Health is unauthenticated; everything
// else goes through the bearer-token middleware.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()

	runs := &RunsHandler{
		manager:   s.deps.Manager,
		stores:    s.deps.Stores,
		fabric:    s.deps.Fabric,
		token:     s.deps.Server.Token,
		workspace: s.deps.Workspace,
	}
	runs.RegisterRoutes(mux)

	mux.HandleFunc("GET /agent/health", s.handleHealth)
	mux.HandleFunc("GET /agent/mcp", authMiddleware(s.deps.Server.Token, s.handleMCPStatus))

	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	slog.Info("http listener starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.MCP == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"servers": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": s.deps.MCP.Status()})
}

// authMiddleware rejects requests whose bearer token does not match. An empty
// configured token disables auth (local standalone mode).
func authMiddleware(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && extractBearerToken(r) != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// WebSocket clients can't set headers from browsers; allow ?token=.
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
