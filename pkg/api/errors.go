package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shanemcd/llamachat/pkg/chat"
	"github.com/shanemcd/llamachat/pkg/session"
)

var (
	// ErrInvalidChatID is returned for identifiers outside the allowed
	// charset or length.
	ErrInvalidChatID = errors.New("invalid chat_id")
	ErrInvalidBody   = errors.New("invalid request body")
)

type detailResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, detailResponse{Detail: detail})
}

// writeError maps err onto a status code and a client-facing detail.
// Storage failures are logged and reported without internals.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, detail := statusFor(err)
	if code >= 500 {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFrom(r.Context()),
			"error", err,
		)
	}
	writeDetail(w, code, detail)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidChatID), errors.Is(err, ErrInvalidBody), errors.Is(err, chat.ErrInvalidMessage):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, chat.ErrTooManySessions):
		return http.StatusTooManyRequests, "The maximum number of chat sessions has been reached."
	case errors.Is(err, session.ErrStorage):
		return http.StatusInternalServerError, "Failed to access chat history."
	default:
		return http.StatusInternalServerError, "Internal server error."
	}
}
