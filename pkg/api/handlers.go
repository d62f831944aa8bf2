package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/shanemcd/llamachat/pkg/session"
)

const (
	maxChatIDLength = 50
	maxBodyBytes    = 64 << 10
)

var chatIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidChatID trims raw and checks it against the identifier rules. An
// empty id is replaced by DefaultChatID when allowDefault is set.
func ValidChatID(raw string, allowDefault bool) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" && allowDefault {
		return DefaultChatID, nil
	}
	switch {
	case id == "":
		return "", fmt.Errorf("%w: must not be empty", ErrInvalidChatID)
	case len(id) > maxChatIDLength:
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidChatID, maxChatIDLength)
	case !chatIDPattern.MatchString(id):
		return "", fmt.Errorf("%w: only letters, digits, '_' and '-' are allowed", ErrInvalidChatID)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", ErrInvalidBody)
		}
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "", "0", "false", "no", "off":
		return false, nil
	case "1", "true", "yes", "on":
		return true, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidBody, raw)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the llamachat API!"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.state.Snapshot()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:            "ok",
		State:             st.Phase.String(),
		ActiveGenerations: st.ActiveGenerations,
		UptimeSeconds:     st.UptimeSeconds,
		Generator:         st.Metadata["generator"],
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	chatID, err := ValidChatID(req.ChatID, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dryRun, err := parseBool(r.URL.Query().Get("dry_run"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("chat request", "chat_id", chatID, "remote", clientIP(r), "dry_run", dryRun)

	if dryRun {
		p, err := s.chat.DryRun(r.Context(), chatID, req.Message)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, p)
		return
	}

	sw := newStreamWriter(w)
	res, err := s.chat.Turn(r.Context(), chatID, req.Message, sw)
	if err != nil {
		if !sw.Started() {
			writeError(w, r, err)
			return
		}
		slog.Error("chat turn not saved", "chat_id", chatID, "error", err)
	}
	sw.Start()

	slog.Info("chat turn finished",
		"chat_id", chatID,
		"status", res.Status.String(),
		"persisted", res.Persisted,
		"bytes", len(res.Response),
	)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	ids, err := s.chat.Store().List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ChatsResponse{ChatIDs: ids})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	chatID, err := ValidChatID(r.PathValue("chat_id"), false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.chat.Store().Get(r.Context(), chatID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	turns := sess.History
	if turns == nil {
		turns = []session.Turn{}
	}
	body, err := json.Marshal(HistoryResponse{SystemPrompt: sess.SystemPrompt, History: turns})
	if err != nil {
		writeError(w, r, err)
		return
	}
	etag := `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(append(body, '\n'))
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func (s *Server) handleSetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	chatID, err := ValidChatID(r.PathValue("chat_id"), false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req SystemPromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	prompt := req.SystemPrompt
	if prompt != nil && strings.TrimSpace(*prompt) == "" {
		prompt = nil
	}
	if err := s.chat.SetSystemPrompt(r.Context(), chatID, prompt); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("system prompt updated", "chat_id", chatID, "cleared", prompt == nil)
	writeDetail(w, http.StatusOK, fmt.Sprintf("System prompt for '%s' updated.", chatID))
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	chatID, err := ValidChatID(r.PathValue("chat_id"), false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.chat.Store().Delete(r.Context(), chatID); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("history deleted", "chat_id", chatID)
	writeDetail(w, http.StatusOK, fmt.Sprintf("Chat history '%s' deleted.", chatID))
}
