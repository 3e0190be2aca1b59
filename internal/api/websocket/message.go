package websocket

import (
	"bytes"
	"encoding/json"
	"time"

	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/models"
)

type MessageType string

const (
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeClientDisconnected    MessageType = "client_disconnected"
	MessageTypeError                 MessageType = "error"
	MessageTypePing                  MessageType = "ping"
	MessageTypePong                  MessageType = "pong"

	MessageTypeNodeUpdate     MessageType = MessageType(events.NodeUpdate)
	MessageTypeEdgeUpdate     MessageType = MessageType(events.EdgeUpdate)
	MessageTypeWorkflowUpdate MessageType = MessageType(events.WorkflowUpdate)
	MessageTypeUserJoined     MessageType = "user_joined"
	MessageTypeUserLeft       MessageType = "user_left"
	MessageTypeCursorPosition MessageType = "cursor_position"
)

var knownTypes = map[MessageType]bool{
	MessageTypeConnectionEstablished: true,
	MessageTypeClientDisconnected:    true,
	MessageTypeError:                 true,
	MessageTypePing:                  true,
	MessageTypePong:                  true,
	MessageTypeNodeUpdate:            true,
	MessageTypeEdgeUpdate:            true,
	MessageTypeWorkflowUpdate:        true,
	MessageTypeUserJoined:            true,
	MessageTypeUserLeft:              true,
	MessageTypeCursorPosition:        true,
}

// IsKnown reports whether t belongs to the enumerated message set.
func (t MessageType) IsKnown() bool {
	return knownTypes[t]
}

// Message is the wire envelope. Timestamp is unix milliseconds.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp int64           `json:"timestamp"`

	// routing only, never serialized
	WorkflowID string `json:"-"`
}

// NewMessage marshals payload into an envelope stamped with the current time.
func NewMessage(msgType MessageType, workflowID string, payload any) Message {
	msg := Message{
		Type:       msgType,
		WorkflowID: workflowID,
		Timestamp:  time.Now().UnixMilli(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			msg.Payload = raw
		}
	}
	return msg
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), out)
	}
	return json.Unmarshal(m.Payload, out)
}

// SplitFrame splits a newline-delimited frame into its JSON messages,
// skipping blank lines.
func SplitFrame(frame []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}

// UserInfo represents user information in the room
type UserInfo struct {
	ClientID string `json:"clientId"`
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

type ConnectionEstablished struct {
	ClientID   string `json:"clientId"`
	WorkflowID string `json:"workflowId"`
	ReadOnly   bool   `json:"readOnly"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	// Set when the rejected message failed validation.
	Violations any `json:"violations,omitempty"`
}

func NewErrorMessage(workflowID string, text string, violations any) Message {
	return NewMessage(MessageTypeError, workflowID, ErrorPayload{Message: text, Violations: violations})
}

func NewUserJoinMessage(workflowID string, user UserInfo, activeUsers []UserInfo) Message {
	return NewMessage(MessageTypeUserJoined, workflowID, map[string]any{
		"user":        user,
		"activeUsers": activeUsers,
	})
}

func NewUserLeaveMessage(workflowID string, user UserInfo) Message {
	return NewMessage(MessageTypeUserLeft, workflowID, map[string]any{"user": user})
}

// NewEventMessage wraps a bus event. The event type doubles as the message
// type.
func NewEventMessage(event events.Event) Message {
	msg := NewMessage(MessageType(event.Type), event.WorkflowID, event)
	msg.Timestamp = event.Timestamp.UnixMilli()
	return msg
}

// NodeUpdate is the payload of a node_update sent by an editor.
type NodeUpdate struct {
	Action events.ChangeAction `json:"action"`
	NodeID string              `json:"nodeId,omitempty"`
	Kind   models.NodeKind     `json:"kind,omitempty"`
	Name   string              `json:"name,omitempty"`
	Config models.Config       `json:"config,omitempty"`
}

// EdgeUpdate is the payload of an edge_update sent by an editor.
type EdgeUpdate struct {
	Action       events.ChangeAction `json:"action"`
	EdgeID       string              `json:"edgeId,omitempty"`
	SourceNodeID string              `json:"sourceNodeId,omitempty"`
	SourcePortID string              `json:"sourcePortId,omitempty"`
	TargetNodeID string              `json:"targetNodeId,omitempty"`
	TargetPortID string              `json:"targetPortId,omitempty"`
}

type RunAction string

const (
	RunActionStart  RunAction = "start"
	RunActionCancel RunAction = "cancel"
	RunActionRetry  RunAction = "retry"
)

// WorkflowCommand is the payload of a workflow_update sent by an editor.
type WorkflowCommand struct {
	Action RunAction      `json:"action"`
	RunID  string         `json:"runId,omitempty"`
	NodeID string         `json:"nodeId,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
}
