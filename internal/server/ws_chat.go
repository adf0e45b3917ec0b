package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/session"

	"github.com/go-chi/chi/v5"
)

// chatInbound is a client message on the chat view.
type chatInbound struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"messageId,omitempty"`

	// Enter defaults to true: a newline is appended before the text is
	// written to the PTY.
	Enter *bool `json:"enter,omitempty"`
}

// handleWsChat serves the shaped chat view. Token and replay cursor come
// in the query string; both directions are JSON text frames.
func (s *Server) handleWsChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	token := r.URL.Query().Get("attachToken")
	afterSeq, _ := strconv.ParseUint(r.URL.Query().Get("afterSeq"), 10, 64)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("chat WS upgrade failed", "error", err)
		return
	}

	sess, binding, err := s.mgr.ResolveViewer(token, sessionID, session.ViewChat)
	if err != nil {
		closeWith(conn, session.ClosePolicy, "invalid attach token")
		return
	}

	conn.SetReadLimit(int64(s.cfg.MaxWsMessageBytes))

	v := session.NewViewer(session.ViewChat, binding.UserID, s.mgr.ViewerQueue())
	if err := sess.AttachChat(v, afterSeq); err != nil {
		closeWith(conn, session.ClosePolicy, "session is closed")
		return
	}
	s.sink.Emit(audit.Event{Type: audit.TypeChatAttach, UserID: binding.UserID, SessionID: sessionID, Detail: map[string]any{"afterSeq": afterSeq}})

	go s.sendFrames(conn, v)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var in chatInbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		switch in.Type {
		case "user_input":
			text := in.Text
			if in.Enter == nil || *in.Enter {
				text += "\n"
			}
			if err := sess.Write([]byte(text)); err != nil {
				s.logger.Warn("dropping chat input", "session_id", sessionID, "error", err)
				continue
			}
			sess.SendUserInput(in.Text, in.MessageID)
		case "ping":
			// Liveness only.
		}
	}

	sess.Detach(v)
	s.sink.Emit(audit.Event{Type: audit.TypeChatDetach, UserID: binding.UserID, SessionID: sessionID})
	_ = conn.Close()
}
