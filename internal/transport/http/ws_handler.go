package http

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"licensegate/internal/auth"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/realtime"
)

// WSHandler upgrades GET /ws/licenses to a websocket pinned to the
// session's user. The token rides in the query string because browser
// websocket clients cannot set headers.
type WSHandler struct {
	hub      *realtime.Hub
	sessions auth.SessionProvider
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWSHandler(hub *realtime.Hub, sessions auth.SessionProvider, allowedOrigins []string) *WSHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WSHandler{
		hub:      hub,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
		log: infrastructure.GetLogger().With("component", "ws_handler"),
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	profile, err := h.sessions.CurrentUser(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		apperrors.Respond(w, r, apperrors.Unauthorized("no active session"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}
	realtime.NewClient(h.hub, conn, profile.ID)
}
