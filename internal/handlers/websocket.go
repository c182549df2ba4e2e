package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/expofab/portal/internal/middleware"
	ws "github.com/expofab/portal/internal/websocket"
)

// WebSocketHandler upgrades authenticated requests into chat sessions.
type WebSocketHandler struct {
	hub         *ws.Hub
	chatHandler *ChatHandler
	upgrader    websocket.Upgrader
}

func NewWebSocketHandler(hub *ws.Hub, chatHandler *ChatHandler) *WebSocketHandler {
	return &WebSocketHandler{
		hub:         hub,
		chatHandler: chatHandler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict to the portal origin once the frontend
				// domain is fixed.
				return true
			},
		},
	}
}

// HandleWebSocket runs after WSAuthMiddleware, so a request reaching this
// point carries a verified identity. Only then does a Session come to exist.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get(middleware.UserIDKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	role := c.GetString(middleware.RoleKey)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	session := ws.NewSession(h.hub, conn, userID.(uuid.UUID), role)

	h.hub.Register(session)

	go session.WritePump()
	go session.ReadPump(h.chatHandler)
}
