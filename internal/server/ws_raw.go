package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/session"

	"github.com/go-chi/chi/v5"
)

// writeWait bounds every socket write, control frames included.
const writeWait = 10 * time.Second

// rawInbound is a text-frame control message from a raw viewer. Binary
// frames bypass this and go to the PTY verbatim.
type rawInbound struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// handleWsRaw serves the raw byte-stream view. The attach token arrives
// as the WebSocket subprotocol, the one header browsers can set on an
// upgrade.
func (s *Server) handleWsRaw(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	token := subprotocolToken(r)

	// Echo the client's subprotocol so the handshake completes; token
	// validation happens on the open socket, which lets us fail with a
	// proper close code instead of an opaque HTTP error.
	var hdr http.Header
	if token != "" {
		hdr = http.Header{"Sec-WebSocket-Protocol": {token}}
	}
	conn, err := s.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		s.logger.Debug("raw WS upgrade failed", "error", err)
		return
	}

	sess, binding, err := s.mgr.ResolveViewer(token, sessionID, session.ViewRaw)
	if err != nil {
		closeWith(conn, session.ClosePolicy, "invalid attach token")
		return
	}

	conn.SetReadLimit(int64(s.cfg.MaxWsMessageBytes))

	v := session.NewViewer(session.ViewRaw, binding.UserID, s.mgr.ViewerQueue())
	if binding.Cols != 0 && binding.Rows != 0 {
		_ = sess.Resize(binding.Cols, binding.Rows)
	}
	if err := sess.AttachRaw(v); err != nil {
		closeWith(conn, session.ClosePolicy, "session is closed")
		return
	}
	s.sink.Emit(audit.Event{Type: audit.TypeSessionAttach, UserID: binding.UserID, SessionID: sessionID})

	go s.sendFrames(conn, v)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := sess.Write(data); err != nil {
				s.logger.Warn("dropping raw input", "session_id", sessionID, "error", err)
			}
		case websocket.TextMessage:
			var in rawInbound
			if err := json.Unmarshal(data, &in); err != nil {
				continue
			}
			switch in.Type {
			case "resize":
				if err := sess.Resize(in.Cols, in.Rows); err == nil {
					s.sink.Emit(audit.Event{
						Type:      audit.TypeSessionResize,
						UserID:    binding.UserID,
						SessionID: sessionID,
						Detail:    map[string]any{"cols": in.Cols, "rows": in.Rows},
					})
				}
			case "hello", "ping":
				// Liveness only; nothing to do.
			}
		}
	}

	sess.Detach(v)
	s.sink.Emit(audit.Event{Type: audit.TypeSessionDetach, UserID: binding.UserID, SessionID: sessionID})
	_ = conn.Close()
}

// sendFrames drains a viewer queue onto the socket. It is the only
// writer of data frames on the connection.
func (s *Server) sendFrames(conn *websocket.Conn, v *session.Viewer) {
	for f := range v.Frames() {
		switch f.Kind {
		case session.FrameBinary:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
				_ = conn.Close()
				return
			}
		case session.FrameText:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, f.Data); err != nil {
				_ = conn.Close()
				return
			}
		case session.FrameClose:
			closeWith(conn, f.Code, "")
			return
		}
	}
	_ = conn.Close()
}

// subprotocolToken extracts the attach token from the subprotocol offer.
func subprotocolToken(r *http.Request) string {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(strings.Split(raw, ",")[0])
}

// closeWith sends a close frame and drops the connection.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
