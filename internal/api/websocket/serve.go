package websocket

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Identity is the authenticated observer behind a connection.
type Identity struct {
	UserID   uint
	Username string
}

// Serve upgrades the request and attaches the connection to the room of
// workflowID. A nil processor makes the connection observe-only.
func Serve(w http.ResponseWriter, r *http.Request, hub *Hub, processor *MessageProcessor, settings Settings, who Identity, workflowID string, logger zerolog.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade to WebSocket")
		return nil, err
	}

	client := NewClient(uuid.New().String(), who.UserID, who.Username, workflowID, hub, conn, processor, settings, logger)
	if !hub.Attach(client) {
		close(client.ProcessQueue)
		conn.Close()
		return nil, http.ErrServerClosed
	}

	logger.Info().
		Str("clientId", client.ID).
		Uint("userId", who.UserID).
		Str("workflowId", workflowID).
		Msg("WebSocket connection established")

	go client.WritePump()
	go client.ReadPump()
	return client, nil
}
