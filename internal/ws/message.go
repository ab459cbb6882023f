package ws

import (
	"github.com/spagchat/internal/model"
)

type EventType string

// Outgoing events.
const (
	EventMessageReceived     EventType = "message-received"
	EventMessageEdited       EventType = "message-edited"
	EventMessageDeleted      EventType = "message-deleted"
	EventRoomCreated         EventType = "room-created"
	EventRoomDeleted         EventType = "room-deleted"
	EventRoomRenamed         EventType = "room-renamed"
	EventMembershipChanged   EventType = "membership-changed"
	EventOnlineRosterChanged EventType = "online-roster-changed"
	EventMessagesRead        EventType = "messages-read"
	EventJoined              EventType = "joined"
	EventLeft                EventType = "left"
	EventError               EventType = "error"
)

// Incoming frames.
const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type RoomPayload struct {
	RoomID string `json:"room_id"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
}

type RoomRenamedPayload struct {
	RoomID  string `json:"room_id"`
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

type MembershipChangedPayload struct {
	RoomID  string                 `json:"room_id"`
	Action  model.MembershipAction `json:"action"`
	UserIDs []string               `json:"user_ids"`
}

// RosterPayload carries the sorted ids of every online user.
type RosterPayload struct {
	UserIDs []string `json:"user_ids"`
}

type MessagesReadPayload struct {
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id,omitempty"`
}
