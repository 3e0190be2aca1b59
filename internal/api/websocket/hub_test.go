package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/models"
	"flowstudio/internal/workflow/session"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkflows struct {
	mu       sync.Mutex
	bus      *events.Bus
	sessions map[string]*session.WorkflowSession
	started  []string
}

func (f *fakeWorkflows) Session(_ context.Context, workflowID string) (*session.WorkflowSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[workflowID]
	if !ok {
		s = session.New(workflowID, models.DefaultNodeTypes(), f.bus, zerolog.Nop())
		f.sessions[workflowID] = s
	}
	return s, nil
}

func (f *fakeWorkflows) StartRun(_ context.Context, workflowID string, _ uint, _ models.JSONMap) (*models.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, workflowID)
	return &models.WorkflowRun{ID: "run-1", WorkflowID: workflowID}, nil
}

func (f *fakeWorkflows) CancelRun(string) error                         { return nil }
func (f *fakeWorkflows) RetryNode(context.Context, string, string) error { return nil }

type harness struct {
	server    *httptest.Server
	hub       *Hub
	workflows *fakeWorkflows
}

func newHarness(t *testing.T, settings Settings) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus(zerolog.Nop())
	hub := NewHub(zerolog.Nop())
	go hub.Run(ctx)

	ch, unsubscribe := bus.Subscribe(nil, 64)
	go hub.Relay(ctx, ch)

	workflows := &fakeWorkflows{bus: bus, sessions: map[string]*session.WorkflowSession{}}
	processor := NewMessageProcessor(workflows, zerolog.Nop())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who := Identity{UserID: 1, Username: r.URL.Query().Get("user")}
		if who.Username == "bob" {
			who.UserID = 2
		}
		_, _ = Serve(w, r, hub, processor, settings, who, r.URL.Query().Get("workflow"), zerolog.Nop())
	}))

	t.Cleanup(func() {
		server.Close()
		unsubscribe()
		bus.Close()
		cancel()
	})
	return &harness{server: server, hub: hub, workflows: workflows}
}

// peer is a raw test connection that splits coalesced frames.
type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []Message
}

func (h *harness) dial(t *testing.T, user string) *peer {
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?workflow=wf-1&user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) next(timeout time.Duration) (Message, bool) {
	for len(p.pending) == 0 {
		p.conn.SetReadDeadline(time.Now().Add(timeout))
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			return Message{}, false
		}
		for _, raw := range SplitFrame(frame) {
			var msg Message
			require.NoError(p.t, json.Unmarshal(raw, &msg))
			p.pending = append(p.pending, msg)
		}
	}
	msg := p.pending[0]
	p.pending = p.pending[1:]
	return msg, true
}

// expect skips messages until one of the given type arrives.
func (p *peer) expect(msgType MessageType) Message {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, ok := p.next(time.Until(deadline))
		if !ok {
			break
		}
		if msg.Type == msgType {
			return msg
		}
	}
	p.t.Fatalf("no %s message received", msgType)
	return Message{}
}

func (p *peer) send(msgType MessageType, payload any) {
	msg := NewMessage(msgType, "", payload)
	raw, err := json.Marshal(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, raw))
}

func TestHub_ConnectionEstablishedComesFirst(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	alice := h.dial(t, "alice")

	first, ok := alice.next(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, MessageTypeConnectionEstablished, first.Type)

	var established ConnectionEstablished
	require.NoError(t, first.Decode(&established))
	assert.NotEmpty(t, established.ClientID)
	assert.Equal(t, "wf-1", established.WorkflowID)
	assert.False(t, established.ReadOnly)

	joined := alice.expect(MessageTypeUserJoined)
	assert.Contains(t, string(joined.Payload), "alice")
}

func TestHub_PingPong(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	alice := h.dial(t, "alice")
	alice.expect(MessageTypeConnectionEstablished)

	alice.send(MessageTypePing, map[string]int{"n": 7})
	pong := alice.expect(MessageTypePong)
	assert.JSONEq(t, `{"n":7}`, string(pong.Payload))
}

func TestHub_EditsAreBroadcastThroughTheBus(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	alice := h.dial(t, "alice")
	alice.expect(MessageTypeConnectionEstablished)
	bob := h.dial(t, "bob")
	bob.expect(MessageTypeConnectionEstablished)

	alice.send(MessageTypeNodeUpdate, NodeUpdate{Action: events.ChangeAdded, NodeID: "t", Kind: models.NodeKindTrigger})

	for _, p := range []*peer{alice, bob} {
		msg := p.expect(MessageTypeNodeUpdate)
		var event events.Event
		require.NoError(t, msg.Decode(&event))
		assert.Equal(t, "wf-1", event.WorkflowID)
		assert.NotZero(t, event.Sequence)
	}

	s, err := h.workflows.Session(context.Background(), "wf-1")
	require.NoError(t, err)
	_, ok := s.Graph().Node("t")
	assert.True(t, ok)
}

func TestHub_RejectedEditReturnsViolations(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	alice := h.dial(t, "alice")
	alice.expect(MessageTypeConnectionEstablished)

	alice.send(MessageTypeNodeUpdate, NodeUpdate{Action: events.ChangeAdded, NodeID: "a", Kind: models.NodeKindAction})

	msg := alice.expect(MessageTypeError)
	var payload struct {
		Message    string `json:"message"`
		Violations []struct {
			Code  string `json:"code"`
			Field string `json:"field"`
		} `json:"violations"`
	}
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, "validation failed", payload.Message)
	require.Len(t, payload.Violations, 1)
	assert.Equal(t, "missing_required_field", payload.Violations[0].Code)
	assert.Equal(t, "operation", payload.Violations[0].Field)
}

func TestHub_CursorSkipsSender(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	alice := h.dial(t, "alice")
	alice.expect(MessageTypeConnectionEstablished)
	bob := h.dial(t, "bob")
	bob.expect(MessageTypeConnectionEstablished)
	alice.expect(MessageTypeUserJoined)

	alice.send(MessageTypeCursorPosition, map[string]int{"x": 1, "y": 2})
	cursor := bob.expect(MessageTypeCursorPosition)
	assert.NotEmpty(t, cursor.ClientID)

	alice.send(MessageTypePing, nil)
	for {
		msg, ok := alice.next(2 * time.Second)
		require.True(t, ok)
		require.NotEqual(t, MessageTypeCursorPosition, msg.Type, "sender must not receive its own cursor")
		if msg.Type == MessageTypePong {
			break
		}
	}
}

func TestHub_UnknownTypeGoesToGenericHandler(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	alice := h.dial(t, "alice")
	alice.expect(MessageTypeConnectionEstablished)
	bob := h.dial(t, "bob")
	bob.expect(MessageTypeConnectionEstablished)

	alice.send(MessageType("selection_changed"), map[string]any{"nodes": []string{"a"}})
	msg := bob.expect(MessageType("selection_changed"))
	assert.False(t, msg.Type.IsKnown())
}

func TestHub_RateLimitDropsExcessSilently(t *testing.T) {
	h := newHarness(t, Settings{MaxMessagesPerSecond: 3, BurstSize: 2, SendBufferSize: 64})
	alice := h.dial(t, "alice")
	alice.expect(MessageTypeConnectionEstablished)
	alice.expect(MessageTypeUserJoined)

	var frame []string
	for i := 0; i < 9; i++ {
		raw, err := json.Marshal(NewMessage(MessageTypePing, "", map[string]int{"n": i}))
		require.NoError(t, err)
		frame = append(frame, string(raw))
	}
	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(strings.Join(frame, "\n"))))

	for i := 0; i < 5; i++ {
		pong := alice.expect(MessageTypePong)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(pong.Payload))
	}

	// the connection survives and the next window accepts again; the
	// dropped pings never produce a reply
	time.Sleep(1100 * time.Millisecond)
	alice.send(MessageTypePing, map[string]int{"n": 100})
	for {
		msg, ok := alice.next(2 * time.Second)
		require.True(t, ok)
		require.NotEqual(t, MessageTypeError, msg.Type, "drops are silent")
		if msg.Type == MessageTypePong {
			assert.JSONEq(t, `{"n":100}`, string(msg.Payload))
			break
		}
	}
}

func TestHub_WorkflowCommandStartsRun(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	alice := h.dial(t, "alice")
	alice.expect(MessageTypeConnectionEstablished)

	alice.send(MessageTypeWorkflowUpdate, WorkflowCommand{Action: RunActionStart})
	assert.Eventually(t, func() bool {
		h.workflows.mu.Lock()
		defer h.workflows.mu.Unlock()
		return len(h.workflows.started) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PresenceAndStats(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	alice := h.dial(t, "alice")
	alice.expect(MessageTypeConnectionEstablished)
	bob := h.dial(t, "bob")
	bob.expect(MessageTypeConnectionEstablished)

	assert.Eventually(t, func() bool {
		return len(h.hub.GetActiveUsersInRoom("wf-1")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]int{"wf-1": 2}, h.hub.GetRoomStats())

	require.NoError(t, bob.conn.Close())
	alice.expect(MessageTypeUserLeft)
	alice.expect(MessageTypeClientDisconnected)
	assert.Len(t, h.hub.GetActiveUsersInRoom("wf-1"), 1)
}

func TestRoom_DisconnectsClientWithFullBuffer(t *testing.T) {
	room := NewRoom("wf-1", zerolog.Nop())
	slow := &Client{ID: "slow", UserID: 1, WorkflowID: "wf-1", send: make(chan Message, 2)}
	fast := &Client{ID: "fast", UserID: 2, WorkflowID: "wf-1", send: make(chan Message, 16)}

	room.AddClient(slow)
	room.AddClient(fast)
	for i := 0; i < 3; i++ {
		room.Broadcast(NewMessage(MessageTypeWorkflowUpdate, "wf-1", map[string]int{"n": i}))
	}

	// slow holds the two joins it had room for, then its queue is closed
	var slowTypes []MessageType
	for msg := range slow.send {
		slowTypes = append(slowTypes, msg.Type)
	}
	assert.Equal(t, []MessageType{MessageTypeUserJoined, MessageTypeUserJoined}, slowTypes)
	assert.False(t, slow.enqueue(NewMessage(MessageTypePong, "wf-1", nil)))

	require.Len(t, fast.send, 4)
	assert.Equal(t, MessageTypeUserJoined, (<-fast.send).Type)
	for i := 0; i < 3; i++ {
		var payload map[string]int
		require.NoError(t, (<-fast.send).Decode(&payload))
		assert.Equal(t, i, payload["n"], "fast client gets every update in order")
	}
}
