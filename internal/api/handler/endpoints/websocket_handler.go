package endpoints

import (
	"fmt"
	"net/http"

	"flowstudio"
	"flowstudio/internal/api/handler/middleware"
	"flowstudio/internal/api/websocket"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type websocketHandler struct {
	hub       *websocket.Hub
	processor *websocket.MessageProcessor
	settings  websocket.Settings
	logger    zerolog.Logger
	config    flowstudio.AppConfig
}

func newWebSocketHandler(hub *websocket.Hub, processor *websocket.MessageProcessor, config flowstudio.AppConfig, logger zerolog.Logger) *websocketHandler {
	return &websocketHandler{
		hub:       hub,
		processor: processor,
		settings: websocket.Settings{
			MaxMessagesPerSecond: config.ChannelConfig.MaxMessagesPerSecond,
			BurstSize:            config.ChannelConfig.BurstSize,
			SendBufferSize:       config.ChannelConfig.SendBufferSize,
		},
		logger: logger,
		config: config,
	}
}

// WebSocketHandler sets up WebSocket routes
func WebSocketHandler(router gin.IRouter, hub *websocket.Hub, processor *websocket.MessageProcessor, config flowstudio.AppConfig, logger zerolog.Logger) {
	h := newWebSocketHandler(hub, processor, config, logger)

	wsRoutes := router.Group("/api/v1/ws")
	wsRoutes.Use(tokenFromQuery, middleware.AuthMiddleware(h.config))
	{
		wsRoutes.GET("/workflows/:id", h.handleWebSocket)
		wsRoutes.GET("/workflows/:id/users", h.getActiveUsers)
		wsRoutes.GET("/stats", h.getRoomStats)
	}
}

// tokenFromQuery lets browsers, which cannot set headers on an upgrade,
// pass the bearer token as ?token=.
func tokenFromQuery(c *gin.Context) {
	if c.GetHeader("Authorization") == "" {
		if token := c.Query("token"); token != "" {
			c.Request.Header.Set("Authorization", "Bearer "+token)
		}
	}
	c.Next()
}

// handleWebSocket upgrades an editor connection for one workflow.
func (slf *websocketHandler) handleWebSocket(c *gin.Context) {
	userID := c.GetUint("userID")
	username := c.GetString("username")
	if username == "" {
		username = fmt.Sprintf("User%d", userID)
	}

	_, _ = websocket.Serve(c.Writer, c.Request, slf.hub, slf.processor, slf.settings,
		websocket.Identity{UserID: userID, Username: username}, c.Param("id"), slf.logger)
}

// getActiveUsers returns the list of active users in a room
func (slf *websocketHandler) getActiveUsers(c *gin.Context) {
	workflowID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"workflowId": workflowID,
		"users":      slf.hub.GetActiveUsersInRoom(workflowID),
	})
}

// getRoomStats returns statistics about all active rooms
func (slf *websocketHandler) getRoomStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rooms": slf.hub.GetRoomStats(),
	})
}
