package websocket

import (
	"context"
	"sync"
	"time"

	"flowstudio/internal/workflow/events"

	"github.com/rs/zerolog"
)

// Hub maintains the set of active clients and broadcasts messages to the
// room of the workflow they target.
type Hub struct {
	// Rooms indexed by workflow ID
	Rooms map[string]*Room

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// Broadcast messages to clients in a specific room
	Broadcast chan Outbound

	mu     sync.RWMutex
	done   chan struct{}
	Logger zerolog.Logger
}

// Outbound is a message routed to a room, optionally skipping its sender.
type Outbound struct {
	Message   Message
	ExcludeID string
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		Rooms:      make(map[string]*Room),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan Outbound, 256),
		done:       make(chan struct{}),
		Logger:     logger,
	}
}

// Run starts the hub's main event loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	cleanupTicker := time.NewTicker(5 * time.Minute)
	defer cleanupTicker.Stop()
	defer close(h.done)

	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case out := <-h.Broadcast:
			h.broadcastMessage(out)

		case <-cleanupTicker.C:
			h.cleanupEmptyRooms()

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Attach registers a client unless the hub has stopped.
func (h *Hub) Attach(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		client.close()
		return false
	}
}

func (h *Hub) detach(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) route(out Outbound) {
	select {
	case h.Broadcast <- out:
	case <-h.done:
	}
}

// Relay forwards bus events to the rooms of their workflows until the
// channel closes or ctx is done.
func (h *Hub) Relay(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			h.BroadcastEvent(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

// BroadcastEvent queues a bus event for the room of its workflow.
func (h *Hub) BroadcastEvent(ctx context.Context, event events.Event) {
	select {
	case h.Broadcast <- Outbound{Message: NewEventMessage(event)}:
	case <-ctx.Done():
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.Rooms[client.WorkflowID]
	if !exists {
		room = NewRoom(client.WorkflowID, h.Logger)
		h.Rooms[client.WorkflowID] = room
		h.Logger.Info().Str("workflowId", client.WorkflowID).Msg("Created new room")
	}

	room.AddClient(client)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.Rooms[client.WorkflowID]
	if !exists {
		client.close()
		return
	}

	room.RemoveClient(client)
	client.close()

	if room.IsEmpty() {
		delete(h.Rooms, client.WorkflowID)
		h.Logger.Info().Str("workflowId", client.WorkflowID).Msg("Removed empty room")
	}
}

func (h *Hub) broadcastMessage(out Outbound) {
	h.mu.RLock()
	room, exists := h.Rooms[out.Message.WorkflowID]
	h.mu.RUnlock()

	if !exists {
		h.Logger.Debug().
			Str("workflowId", out.Message.WorkflowID).
			Str("type", string(out.Message.Type)).
			Msg("No observers for broadcast")
		return
	}

	if out.ExcludeID != "" {
		room.BroadcastExcept(out.Message, out.ExcludeID)
	} else {
		room.Broadcast(out.Message)
	}

	h.Logger.Debug().
		Str("type", string(out.Message.Type)).
		Str("workflowId", out.Message.WorkflowID).
		Msg("Broadcasted message")
}

func (h *Hub) cleanupEmptyRooms() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cleaned := 0
	for workflowID, room := range h.Rooms {
		if room.IsEmpty() {
			delete(h.Rooms, workflowID)
			cleaned++
		}
	}

	if cleaned > 0 {
		h.Logger.Info().
			Int("cleanedRooms", cleaned).
			Int("activeRooms", len(h.Rooms)).
			Msg("Room cleanup completed")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for workflowID, room := range h.Rooms {
		room.mu.Lock()
		for id, client := range room.Clients {
			client.close()
			delete(room.Clients, id)
		}
		room.mu.Unlock()
		delete(h.Rooms, workflowID)
	}
}

// GetRoomStats returns the client count of every active room.
func (h *Hub) GetRoomStats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := make(map[string]int, len(h.Rooms))
	for workflowID, room := range h.Rooms {
		stats[workflowID] = room.ClientCount()
	}
	return stats
}

// GetActiveUsersInRoom returns active users in a specific room
func (h *Hub) GetActiveUsersInRoom(workflowID string) []UserInfo {
	h.mu.RLock()
	room, exists := h.Rooms[workflowID]
	h.mu.RUnlock()

	if !exists {
		return []UserInfo{}
	}

	return room.GetActiveUsers()
}
