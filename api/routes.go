package api

import (
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"hub.evalgo.org/auth"
	"hub.evalgo.org/gateway"
)

// SetupRoutes registers the hub's HTTP surface.
//
// Public routes:
//   - GET /ws - WebSocket endpoint (token in query string)
//
// Protected routes (JWT bearer token):
//   - POST   /documents/:id              - queue a document update
//   - GET    /queue/stats                - queue depths
//   - GET    /queue/failed               - dead-letter jobs
//   - POST   /queue/failed/:jobId/retry  - re-enqueue a dead-letter job
//   - DELETE /queue                      - clear all queues
func SetupRoutes(e *echo.Echo, h *Handlers, hub *gateway.Hub, tokens *auth.TokenService) {
	e.GET("/ws", hub.WSHandler(tokens))

	protected := e.Group("")
	protected.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:  tokens.Secret(),
		TokenLookup: "header:Authorization:Bearer ",
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(auth.Claims)
		},
	}))

	protected.POST("/documents/:id", h.UpdateDocument)

	protected.GET("/queue/stats", h.QueueStats)
	protected.GET("/queue/failed", h.FailedJobs)
	protected.POST("/queue/failed/:jobId/retry", h.RetryFailedJob)
	protected.DELETE("/queue", h.ClearQueues)
}
