package api

import "github.com/shanemcd/llamachat/pkg/session"

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id,omitempty"`
}

// ChatsResponse is the body of GET /chats.
type ChatsResponse struct {
	ChatIDs []string `json:"chat_ids"`
}

// HistoryResponse is the body of GET /history/{chat_id}.
type HistoryResponse struct {
	SystemPrompt *string        `json:"system_prompt"`
	History      []session.Turn `json:"history"`
}

// SystemPromptRequest is the body of POST /history/{chat_id}/system_prompt.
// A null or empty prompt clears it.
type SystemPromptRequest struct {
	SystemPrompt *string `json:"system_prompt"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	State             string `json:"state"`
	ActiveGenerations int32  `json:"active_generations"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	Generator         string `json:"generator,omitempty"`
}

// StreamEnd is the frame sent over the websocket after each turn.
type StreamEnd struct {
	Done      bool   `json:"done"`
	Status    string `json:"status"`
	Persisted bool   `json:"persisted"`
	Error     string `json:"error,omitempty"`
}
