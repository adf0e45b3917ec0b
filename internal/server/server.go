// Package server exposes the session runtime over HTTP and WebSocket.
//
// The JSON API under /api creates sessions and issues attach tokens; the
// /ws endpoints consume those tokens as single-use capabilities at
// upgrade time, so no further authentication happens on the socket.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/fault"
	"github.com/termgate/termgate/internal/session"
)

// Server wires the HTTP API and WebSocket gateway to the manager.
type Server struct {
	cfg    *config.Config
	mgr    *session.Manager
	authn  auth.Authenticator
	sink   audit.Sink
	logger *slog.Logger

	upgrader websocket.Upgrader
}

// New creates the server. Nil sink or logger fall back to no-op/default.
func New(cfg *config.Config, mgr *session.Manager, authn auth.Authenticator, sink audit.Sink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Server{
		cfg:    cfg,
		mgr:    mgr,
		authn:  authn,
		sink:   sink,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The attach token is the capability; the service itself only
			// binds loopback, so origin filtering adds nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.AppTokenGate(s.cfg.AppToken))
		api.Use(auth.Middleware(s.authn, s.sink))

		api.Post("/sessions/attach-or-create", s.handleAttachOrCreate)
		api.Post("/sessions", s.handleCreate)
		api.Get("/sessions", s.handleList)
		api.Post("/sessions/{id}/attach", s.handleAttach)
		api.Post("/sessions/{id}/attach-chat", s.handleAttachChat)
		api.Post("/sessions/{id}/close", s.handleClose)
	})

	// Token-authenticated; browsers cannot set headers on WS upgrades.
	r.Get("/ws/sessions/{id}", s.handleWsRaw)
	r.Get("/ws/chat/sessions/{id}", s.handleWsChat)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

type attachResponse struct {
	SessionID   string `json:"sessionId,omitempty"`
	AttachToken string `json:"attachToken"`
	WsURL       string `json:"wsUrl,omitempty"`
	ChatWsURL   string `json:"chatWsUrl,omitempty"`
	TmuxName    string `json:"tmuxName,omitempty"`
}

func (s *Server) handleAttachOrCreate(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.Wrap(fault.BadRequest, err, "decoding request body"))
		return
	}
	res, err := s.mgr.AttachOrCreate(auth.UserID(r), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attachResponse{
		SessionID:   res.SessionID,
		AttachToken: res.Token,
		WsURL:       s.rawWsURL(r, res.SessionID),
		TmuxName:    res.TmuxName,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.Wrap(fault.BadRequest, err, "decoding request body"))
		return
	}
	res, err := s.mgr.Create(auth.UserID(r), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, attachResponse{
		SessionID:   res.SessionID,
		AttachToken: res.Token,
		WsURL:       s.rawWsURL(r, res.SessionID),
		TmuxName:    res.TmuxName,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.mgr.List(auth.UserID(r)),
	})
}

type attachRequest struct {
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req attachRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	token, err := s.mgr.Attach(auth.UserID(r), id, req.Cols, req.Rows)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attachResponse{
		AttachToken: token,
		WsURL:       s.rawWsURL(r, id),
	})
}

func (s *Server) handleAttachChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req attachRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	token, err := s.mgr.AttachChat(auth.UserID(r), id, req.Cols, req.Rows)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attachResponse{
		AttachToken: token,
		ChatWsURL:   s.chatWsURL(r, id, token),
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Close(auth.UserID(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rawWsURL(r *http.Request, sessionID string) string {
	return fmt.Sprintf("%s://%s/ws/sessions/%s", wsScheme(r), r.Host, sessionID)
}

func (s *Server) chatWsURL(r *http.Request, sessionID, token string) string {
	return fmt.Sprintf("%s://%s/ws/chat/sessions/%s?attachToken=%s", wsScheme(r), r.Host, sessionID, token)
}

func wsScheme(r *http.Request) string {
	if r.TLS != nil {
		return "wss"
	}
	return "ws"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := fault.StatusOf(err)
	kind := "internal"
	if k, ok := fault.KindOf(err); ok {
		kind = k.String()
	}
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind,
	})
}
