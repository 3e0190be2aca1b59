package websocket

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Room groups the clients observing one workflow.
type Room struct {
	WorkflowID string
	Clients    map[string]*Client
	mu         sync.RWMutex
	Logger     zerolog.Logger
}

func NewRoom(workflowID string, logger zerolog.Logger) *Room {
	return &Room{
		WorkflowID: workflowID,
		Clients:    make(map[string]*Client),
		Logger:     logger,
	}
}

// AddClient adds a client to the room and announces it to everyone,
// the new client included.
func (r *Room) AddClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Clients[client.ID] = client
	r.Logger.Info().
		Str("workflowId", r.WorkflowID).
		Str("clientId", client.ID).
		Uint("userId", client.UserID).
		Int("totalClients", len(r.Clients)).
		Msg("Client joined room")

	r.broadcastLocked(NewUserJoinMessage(r.WorkflowID, client.Info(), r.activeUsersLocked()), "")
}

// RemoveClient removes a client from the room and announces its departure.
func (r *Room) RemoveClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.Clients[client.ID]; !exists {
		return
	}
	delete(r.Clients, client.ID)
	r.Logger.Info().
		Str("workflowId", r.WorkflowID).
		Str("clientId", client.ID).
		Uint("userId", client.UserID).
		Int("remainingClients", len(r.Clients)).
		Msg("Client left room")

	r.broadcastLocked(NewUserLeaveMessage(r.WorkflowID, client.Info()), "")
	r.broadcastLocked(NewMessage(MessageTypeClientDisconnected, r.WorkflowID, map[string]string{"clientId": client.ID}), "")
}

// Broadcast sends a message to all clients in the room
func (r *Room) Broadcast(message Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.broadcastLocked(message, "")
}

// BroadcastExcept sends a message to all clients in the room except the sender
func (r *Room) BroadcastExcept(message Message, senderID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.broadcastLocked(message, senderID)
}

func (r *Room) broadcastLocked(message Message, skipID string) {
	for _, client := range r.Clients {
		if client.ID == skipID {
			continue
		}
		// a client that cannot keep up is disconnected rather than handed a
		// gap; its session reconnects and resyncs
		if !client.enqueue(message) && client.close() {
			r.Logger.Warn().
				Str("clientId", client.ID).
				Str("type", string(message.Type)).
				Msg("Client send buffer full, disconnecting")
		}
	}
}

// GetActiveUsers returns one entry per connected user.
func (r *Room) GetActiveUsers() []UserInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeUsersLocked()
}

func (r *Room) activeUsersLocked() []UserInfo {
	users := make([]UserInfo, 0, len(r.Clients))
	seen := make(map[uint]bool)

	for _, client := range r.Clients {
		if !seen[client.UserID] {
			users = append(users, client.Info())
			seen[client.UserID] = true
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// IsEmpty returns true if the room has no clients
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Clients) == 0
}

// ClientCount returns the number of clients in the room
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Clients)
}
