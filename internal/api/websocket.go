package api

import (
	"net/http"

	"reliefsync/internal/auth"
	"reliefsync/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are not browsers; tokens authenticate the connection
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		WriteError(w, http.StatusInternalServerError, "hub_unavailable", "WebSocket hub not initialized", d.Log)
		return
	}

	// Check the token before upgrading so failures get a normal HTTP status
	token := auth.TokenFromRequest(r)
	if token == "" {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", d.Log)
		return
	}
	id, err := d.Tokens.Identify(token)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token", d.Log)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	d.Log.Info("WebSocket connected",
		zap.String("user_id", id.UserID),
		zap.String("role", string(id.Role)),
		zap.String("remote", r.RemoteAddr),
	)

	wsConn := ws.NewConn(conn, d.Hub, id)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}
