package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var channelUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handlePresenceChannel upgrades the request and hands the connection to
// the broadcast hub for the rest of its life. The hub announces the join,
// streams sync/join/leave events, and retires the session when the
// connection drops.
func (h *httpHandler) handlePresenceChannel(c *gin.Context) {
	caller := callerID(c)
	ws, err := channelUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.HandleConn(ws, caller)
}
