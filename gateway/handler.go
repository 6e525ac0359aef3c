package gateway

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"hub.evalgo.org/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from the collaboration frontend's origin;
	// token validation is the actual gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler returns the echo handler for GET /ws. The bearer token arrives
// in the query string; a missing or invalid token refuses the connection
// before the upgrade.
func (h *Hub) WSHandler(tokens *auth.TokenService) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := tokens.ValidateToken(c.QueryParam("token"))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade already wrote the handshake error response.
			return nil
		}

		client := newClient(h, conn, uuid.NewString(), claims.PrincipalID, claims.DisplayName)
		h.register(client)

		client.enqueue(mustFrame(MsgConnected, MessagePayload{Message: "connected to collaboration hub"}))

		go client.writePump()
		go client.readPump()

		h.logger.WithFields(logrus.Fields{
			"socket_id":    client.socketID,
			"principal_id": client.principalID,
		}).Info("Client connected")
		return nil
	}
}
