package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleChatWS serves a chat session over a websocket. Each text message
// from the client is one user message; generated text is sent back as text
// frames followed by a StreamEnd frame.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	chatID, err := ValidChatID(r.URL.Query().Get("chat_id"), true)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "chat_id", chatID, "error", err)
		return
	}
	defer conn.Close()

	logger := slog.With("chat_id", chatID, "request_id", RequestIDFrom(r.Context()))
	logger.Info("websocket session started")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	messages := make(chan string)
	go s.readWS(ctx, cancel, conn, messages)

	fw := &frameWriter{conn: conn}
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		fw.keepAlive(ctx)
	}()
	defer func() {
		cancel()
		<-pingDone
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("websocket session closed")
			return
		case msg, ok := <-messages:
			if !ok {
				logger.Info("websocket session closed")
				return
			}
			if !s.wsTurn(ctx, conn, fw, chatID, msg, logger) {
				return
			}
		}
	}
}

// wsTurn runs one turn and reports whether the connection is still usable.
func (s *Server) wsTurn(ctx context.Context, conn *websocket.Conn, fw *frameWriter, chatID, msg string, logger *slog.Logger) bool {
	res, err := s.chat.Turn(ctx, chatID, msg, fw)
	end := StreamEnd{Done: true, Status: res.Status.String(), Persisted: res.Persisted}
	switch {
	case err != nil:
		code, detail := statusFor(err)
		end.Error = detail
		if code >= http.StatusInternalServerError {
			logger.Error("websocket turn failed", "error", err)
		}
	case res.Err != nil:
		end.Error = res.Err.Error()
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(end); err != nil {
		logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

// readWS forwards text messages until the peer goes away.
func (s *Server) readWS(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- string) {
	defer close(out)
	defer cancel()

	conn.SetReadLimit(maxBodyBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		// The deadline only runs while waiting for the client, not while a
		// turn is being generated.
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		select {
		case out <- string(data):
		case <-ctx.Done():
			return
		}
	}
}

// frameWriter sends each chunk as one text frame. Data frames are written
// from a single goroutine.
type frameWriter struct {
	conn *websocket.Conn
}

func (f *frameWriter) Write(p []byte) (int, error) {
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := f.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// keepAlive pings the peer until ctx is done. WriteControl may run
// concurrently with the frame writes.
func (f *frameWriter) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
