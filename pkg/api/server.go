// Package api serves the chat service over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shanemcd/llamachat/pkg/chat"
	"github.com/shanemcd/llamachat/pkg/control"
	"github.com/shanemcd/llamachat/pkg/metrics"
)

// DefaultChatID is used when a chat request names no session.
const DefaultChatID = "default"

// ServerConfig holds configuration for the HTTP surface.
type ServerConfig struct {
	// Chat runs turns. Required.
	Chat *chat.Service

	// State feeds the health endpoint. A fresh ready state is used if nil.
	State *control.State

	// Metrics records requests and serves /metrics. Nil disables both.
	Metrics *metrics.Metrics

	// APIKey is required in the X-API-Key header when non-empty.
	APIKey string

	// RateLimit is the number of chat requests a client IP may make per
	// hour. Zero disables rate limiting.
	RateLimit int
}

// Server routes HTTP requests to the chat service.
type Server struct {
	chat    *chat.Service
	state   *control.State
	metrics *metrics.Metrics
	apiKey  string
	limiter *ipLimiter

	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	state := cfg.State
	if state == nil {
		state = control.NewState()
		state.SetReady()
	}

	s := &Server{
		chat:    cfg.Chat,
		state:   state,
		metrics: cfg.Metrics,
		apiKey:  cfg.APIKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, time.Hour)
	}
	if s.apiKey == "" {
		slog.Warn("no API key configured, the API is open to every client")
	}
	return s
}

// Handler returns the root handler with all routes and middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.Handle("POST /chat", s.rateLimit(http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /chat/ws", s.rateLimit(http.HandlerFunc(s.handleChatWS)))
	mux.HandleFunc("GET /chats", s.handleListChats)
	mux.HandleFunc("GET /history/{chat_id}", s.handleGetHistory)
	mux.HandleFunc("POST /history/{chat_id}/system_prompt", s.handleSetSystemPrompt)
	mux.HandleFunc("DELETE /history/{chat_id}", s.handleDeleteHistory)

	var h http.Handler = mux
	h = s.authenticate(h)
	h = s.observe(mux, h)
	h = requestID(h)
	return h
}
