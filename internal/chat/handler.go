package chat

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler accepts websocket upgrades from allowedOrigins. "*" allows any
// origin; requests without an Origin header are always allowed.
func NewHandler(hub *Hub, allowedOrigins []string, log *slog.Logger) *Handler {
	anyOrigin := lo.Contains(allowedOrigins, "*")
	return &Handler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return anyOrigin || origin == "" || lo.Contains(allowedOrigins, origin)
			},
		},
	}
}

// ServeWs upgrades the request and starts the client's pumps. The connection
// id is assigned here and is the only identity a client has.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := NewClient(uuid.NewString(), h.hub, conn, h.log)
	if !h.hub.Attach(client) {
		conn.Close()
		return
	}
	h.log.Debug("client connected", "conn", client.ID, "remote", r.RemoteAddr)

	go client.WritePump()
	go client.ReadPump()
}
