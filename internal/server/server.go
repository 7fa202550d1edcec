// Package server exposes the inbound HTTP surface: the Anthropic-compatible
// /v1 endpoints and the admin command surface over the credential pool.
package server

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/pipeline"
	"github.com/kirolink/kiro-gateway/internal/pool"
	"github.com/kirolink/kiro-gateway/internal/tokencount"
	"github.com/kirolink/kiro-gateway/internal/translate"
)

//go:embed static/admin.html
var adminPage []byte

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	cfg     *config.Config
	pool    *pool.Pool
	pipe    *pipeline.Pipeline
	counter *tokencount.Counter
	balance *pool.BalanceClient
}

// New assembles a server.
func New(cfg *config.Config, credPool *pool.Pool, pipe *pipeline.Pipeline, counter *tokencount.Counter, balance *pool.BalanceClient) *Server {
	return &Server{
		cfg:     cfg,
		pool:    credPool,
		pipe:    pipe,
		counter: counter,
		balance: balance,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("GET /v1/models", s.requireKey(s.cfg.APIKey, http.HandlerFunc(s.handleModels)))
	mux.Handle("POST /v1/messages", s.requireKey(s.cfg.APIKey, http.HandlerFunc(s.handleMessages)))
	mux.Handle("POST /v1/messages/count_tokens", s.requireKey(s.cfg.APIKey, http.HandlerFunc(s.handleCountTokens)))

	admin := func(h http.HandlerFunc) http.Handler { return s.requireAdminKey(h) }
	mux.Handle("GET /api/admin/credentials", admin(s.handleAdminList))
	mux.Handle("POST /api/admin/credentials", admin(s.handleAdminAdd))
	mux.Handle("POST /api/admin/credentials/import", admin(s.handleAdminImport))
	mux.Handle("DELETE /api/admin/credentials/{id}", admin(s.handleAdminDelete))
	mux.Handle("POST /api/admin/credentials/{id}/disabled", admin(s.handleAdminSetDisabled))
	mux.Handle("POST /api/admin/credentials/{id}/priority", admin(s.handleAdminSetPriority))
	mux.Handle("POST /api/admin/credentials/{id}/reset", admin(s.handleAdminReset))
	mux.Handle("POST /api/admin/credentials/{id}/refresh-token", admin(s.handleAdminRefreshToken))
	mux.Handle("GET /api/admin/credentials/{id}/balance", admin(s.handleAdminBalance))
	mux.Handle("GET /api/admin/ws", admin(s.handleAdminWS))

	mux.HandleFunc("GET /admin", s.handleAdminUI)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   translate.SupportedModels(),
	})
}

func (s *Server) handleAdminUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(adminPage)
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the Anthropic-shaped error envelope.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": errType, "message": message},
	})
}
