package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Settings are the per-connection channel limits.
type Settings struct {
	MaxMessagesPerSecond int
	BurstSize            int
	SendBufferSize       int
}

func DefaultSettings() Settings {
	return Settings{MaxMessagesPerSecond: 30, BurstSize: 10, SendBufferSize: 256}
}

type Client struct {
	ID         string
	UserID     uint
	Username   string
	WorkflowID string
	Color      string
	Hub        *Hub
	Conn       *websocket.Conn
	// nil for observe-only connections
	Processor    *MessageProcessor
	ProcessQueue chan Message
	Logger       zerolog.Logger

	limiter *RateLimiter
	send    chan Message
	mu      sync.Mutex
	closed  bool
}

func NewClient(id string, userID uint, username string, workflowID string, hub *Hub, conn *websocket.Conn, processor *MessageProcessor, settings Settings, logger zerolog.Logger) *Client {
	if settings.SendBufferSize <= 0 {
		settings.SendBufferSize = 256
	}
	client := &Client{
		ID:           id,
		UserID:       userID,
		Username:     username,
		WorkflowID:   workflowID,
		Color:        generateUserColor(userID),
		Hub:          hub,
		Conn:         conn,
		Processor:    processor,
		ProcessQueue: make(chan Message, 100),
		Logger:       logger.With().Str("clientId", id).Str("workflowId", workflowID).Logger(),
		limiter:      NewRateLimiter(settings.MaxMessagesPerSecond, settings.BurstSize),
		send:         make(chan Message, settings.SendBufferSize),
	}

	// first message on the wire, before any room traffic
	client.enqueue(NewMessage(MessageTypeConnectionEstablished, workflowID, ConnectionEstablished{
		ClientID:   id,
		WorkflowID: workflowID,
		ReadOnly:   processor == nil,
	}))

	go client.processWorker()

	return client
}

func (c *Client) Info() UserInfo {
	return UserInfo{ClientID: c.ID, UserID: c.UserID, Username: c.Username, Color: c.Color}
}

// enqueue hands a message to the write pump without blocking. It reports
// false when the buffer is full or the client is closed.
func (c *Client) enqueue(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close ends the send queue. WritePump then closes the connection, which
// makes ReadPump detach the client from the hub. It reports whether this
// call did the closing.
func (c *Client) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

func (c *Client) ReadPump() {
	defer func() {
		close(c.ProcessQueue)
		c.Hub.detach(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Logger.Error().Err(err).Msg("WebSocket read error")
			}
			break
		}
		// any inbound traffic counts as liveness
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		for _, raw := range SplitFrame(frame) {
			if !c.limiter.Allow() {
				c.Logger.Debug().Msg("Rate limit exceeded, message dropped")
				continue
			}

			var msg Message
			if err = json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
				c.Logger.Warn().Err(err).Msg("Failed to unmarshal message")
				c.sendError("Invalid message format", nil)
				continue
			}

			msg.ClientID = c.ID
			msg.WorkflowID = c.WorkflowID
			msg.Timestamp = time.Now().UnixMilli()
			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case MessageTypePing:
		pong := NewMessage(MessageTypePong, c.WorkflowID, nil)
		pong.Payload = msg.Payload
		pong.ClientID = c.ID
		c.enqueue(pong)

	case MessageTypePong:

	case MessageTypeCursorPosition:
		c.Hub.route(Outbound{Message: msg, ExcludeID: c.ID})

	case MessageTypeNodeUpdate, MessageTypeEdgeUpdate, MessageTypeWorkflowUpdate:
		if c.Processor == nil {
			c.sendError("Connection is read-only", nil)
			return
		}
		// edits are applied in arrival order without blocking the read loop
		select {
		case c.ProcessQueue <- msg:
		default:
			c.Logger.Warn().Str("type", string(msg.Type)).Msg("Process queue full, dropping message")
			c.sendError("Server is busy, please try again", nil)
		}

	case MessageTypeConnectionEstablished, MessageTypeClientDisconnected, MessageTypeError,
		MessageTypeUserJoined, MessageTypeUserLeft:
		c.Logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring server-only message type")

	default:
		if c.Processor != nil {
			c.Processor.HandleGeneric(c, msg)
			return
		}
		relayGeneric(c, msg)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
// Queued messages are coalesced into one newline-delimited frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			messageBytes, err := json.Marshal(message)
			if err != nil {
				c.Logger.Error().Err(err).Msg("Failed to marshal message")
				continue
			}
			w.Write(messageBytes)

			n := len(c.send)
			for i := 0; i < n; i++ {
				msg, ok := <-c.send
				if !ok {
					break
				}
				msgBytes, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				w.Write([]byte{'\n'})
				w.Write(msgBytes)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(errorMsg string, violations any) {
	if !c.enqueue(NewErrorMessage(c.WorkflowID, errorMsg, violations)) {
		c.Logger.Warn().Str("error", errorMsg).Msg("Could not deliver error to client")
	}
}

// processWorker applies queued edits sequentially so they keep their order.
func (c *Client) processWorker() {
	for msg := range c.ProcessQueue {
		if c.Processor == nil {
			continue
		}
		if err := c.Processor.ProcessMessage(c, msg); err != nil {
			c.Logger.Warn().
				Err(err).
				Str("type", string(msg.Type)).
				Uint("userId", c.UserID).
				Msg("Failed to process message")
			text, violations := describeError(err)
			c.sendError(text, violations)
		}
	}
}

// relayGeneric passes an unrecognised message on to the other observers.
func relayGeneric(c *Client, msg Message) {
	c.Logger.Debug().Str("type", string(msg.Type)).Msg("Relaying unrecognised message type")
	c.Hub.route(Outbound{Message: msg, ExcludeID: c.ID})
}

// generateUserColor generates a consistent color for a user based on their ID
func generateUserColor(userID uint) string {
	colors := []string{
		"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
		"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
		"#F8B739", "#52B788", "#E76F51", "#2A9D8F",
	}
	return colors[userID%uint(len(colors))]
}
