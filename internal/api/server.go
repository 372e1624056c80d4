// Package api implements the HTTP surface over the dispatch core: a
// simple chat endpoint, its streaming counterpart, and health/stats
// introspection.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brightloop/dispatchcore/internal/agent"
	"github.com/brightloop/dispatchcore/internal/buildinfo"
	"github.com/brightloop/dispatchcore/internal/dispatch"
	"github.com/brightloop/dispatchcore/internal/history"
)

// writeJSON encodes v as JSON to w, logging any errors at debug
// level. Errors here typically mean the client disconnected
// mid-response, which is not actionable but worth tracking.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Trigger is the narrow slice of memtrigger.Hook the server needs.
type Trigger interface {
	AfterTurn(ctx context.Context, userID, conversationText string) (bool, error)
}

// StatsSource is the narrow slice of dispatch.Manager the server
// needs for the stats endpoint.
type StatsSource interface {
	Stats() dispatch.Stats
}

// Server is the HTTP API server fronting an agent.Runner.
type Server struct {
	address string
	port    int
	runner  *agent.Runner
	stats   StatsSource
	trigger Trigger
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a Server. trigger may be nil to disable the
// memory-trigger hook (e.g. in "eval" deployments).
func NewServer(address string, port int, runner *agent.Runner, stats StatsSource, trigger Trigger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{address: address, port: port, runner: runner, stats: stats, trigger: trigger, logger: logger}
}

// Start begins serving HTTP requests. It blocks until the listener
// errors or is shut down.
func (s *Server) Start(ctx context.Context) error {
	mux := s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses can run long
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// StartTLS begins serving HTTPS requests using tlsConfig, e.g. one
// produced by autocert.Manager.TLSConfig(). It blocks until the
// listener errors or is shut down.
func (s *Server) StartTLS(ctx context.Context, tlsConfig *tls.Config) error {
	mux := s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, 443),
		Handler:      s.withLogging(mux),
		TLSConfig:    tlsConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}

	s.logger.Info("starting API server with TLS", "address", s.address, "port", 443)
	return s.server.ListenAndServeTLS("", "")
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)
	return mux
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"name": "dispatchcore", "version": buildinfo.Version, "status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.stats.Stats(), s.logger)
}

// ChatRequest is the simplified chat contract: a user id scoping
// history and retrieval, the turn text, and an optional mode
// ("chat" enables long-term memory retrieval; anything else, e.g.
// "eval", does not). History may be supplied by the caller to bypass
// the server-side registry entirely (used by batch evaluation
// clients that manage their own context window).
type ChatRequest struct {
	UserID  string            `json:"user_id"`
	Message string            `json:"message"`
	Mode    string            `json:"mode,omitempty"`
	Model   string            `json:"model,omitempty"`
	History []history.Message `json:"history,omitempty"`
}

// ChatResponse carries the assistant's reply.
type ChatResponse struct {
	Response string `json:"response"`
	UserID   string `json:"user_id"`
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return req, false
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return req, false
	}
	if req.Mode == "" {
		req.Mode = "chat"
	}
	return req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	reply, err := s.runner.Run(r.Context(), req.UserID, req.Message, req.History, req.Model, req.Mode)
	if err != nil {
		s.logger.Error("agent run failed", "user", req.UserID, "error", err)
		s.errorResponse(w, httpStatusFor(err), "agent error: "+err.Error())
		return
	}

	s.afterTurn(req, reply)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{Response: reply, UserID: req.UserID}, s.logger)
}

// StreamChunk is the SSE framing for streaming chat responses.
type StreamChunk struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	reply, err := s.runner.RunStream(r.Context(), req.UserID, req.Message, req.History, req.Model, req.Mode, func(delta string) {
		s.writeSSE(w, StreamChunk{Delta: delta})
		flusher.Flush()
	})
	if err != nil {
		s.logger.Error("agent stream failed", "user", req.UserID, "error", err)
		// Headers are already sent; signal failure in-band instead of a status code.
		s.writeSSE(w, StreamChunk{Delta: "[error] " + err.Error(), Done: true})
		flusher.Flush()
		return
	}

	s.afterTurn(req, reply)

	s.writeSSE(w, StreamChunk{Done: true})
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE chunk", "error", err)
	}
}

// afterTurn fires the memory-trigger hook for chat-mode turns with a
// caller-managed history bypass excluded, since that path never
// touches the server-side turn count the trigger keys off of.
func (s *Server) afterTurn(req ChatRequest, reply string) {
	if s.trigger == nil || req.Mode != "chat" || req.History != nil {
		return
	}
	conversation := req.Message + "\n" + reply
	if _, err := s.trigger.AfterTurn(context.Background(), req.UserID, conversation); err != nil {
		s.logger.Warn("memory trigger failed", "user", req.UserID, "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": map[string]any{"message": message, "code": code}}, s.logger)
}

// httpStatusFor maps a dispatcherr.Error to its recommended HTTP
// status, falling back to 500 for anything else (including the
// legacy string-facade path, which never reaches here as an error).
func httpStatusFor(err error) int {
	type statusCoder interface{ HTTPStatus() int }
	if sc, ok := err.(statusCoder); ok {
		if status := sc.HTTPStatus(); status != 0 {
			return status
		}
	}
	return http.StatusInternalServerError
}
