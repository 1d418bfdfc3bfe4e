package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uam-network/uam-relay/internal/relay/delivery/livesocket"
	"github.com/uam-network/uam-relay/internal/relay/store"
)

var rejectUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler serves the live-socket delivery endpoint.
type WSHandler struct {
	storage store.Storage
	sockets *livesocket.Manager
	log     *zap.Logger
}

// NewWSHandler constructs a WSHandler.
func NewWSHandler(storage store.Storage, sockets *livesocket.Manager, log *zap.Logger) *WSHandler {
	return &WSHandler{storage: storage, sockets: sockets, log: log}
}

// Register wires GET /ws on the router root (outside /api/v1).
func (h *WSHandler) Register(r gin.IRouter) {
	r.GET("/ws", h.handleWS)
}

// handleWS authenticates the bearer token carried in the `token` query
// parameter before admitting the socket into the live manager; a bad
// token completes the handshake only to immediately close with 1008, since
// the WebSocket protocol provides no way to reject before upgrading.
func (h *WSHandler) handleWS(c *gin.Context) {
	token := c.Query("token")
	agent, err := h.storage.GetAgentByToken(c.Request.Context(), token)
	if err != nil {
		conn, upErr := rejectUpgrader.Upgrade(c.Writer, c.Request, nil)
		if upErr != nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid or missing token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
		return
	}

	if err := h.sockets.Upgrade(c.Writer, c.Request, agent.Address); err != nil {
		if h.log != nil {
			h.log.Warn("ws: upgrade failed", zap.Error(err))
		}
	}
}
