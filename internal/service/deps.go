package service

import (
	"context"

	"github.com/spagchat/internal/ws"
)

// Broadcaster is the fan-out side of ws.Hub used by the services.
type Broadcaster interface {
	Broadcast(roomID string, event ws.EventType, payload any) int
	SendToUsers(userIDs []string, event ws.EventType, payload any) int
	JoinUser(userID, roomID string)
	LeaveUser(userID, roomID string)
	CloseRoom(roomID string)
}

// Presence answers whether a user holds a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// PushNotifier delivers notifications to members without a live connection.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, ws.EventType, any) int     { return 0 }
func (nopBroadcaster) SendToUsers([]string, ws.EventType, any) int { return 0 }
func (nopBroadcaster) JoinUser(string, string)                     {}
func (nopBroadcaster) LeaveUser(string, string)                    {}
func (nopBroadcaster) CloseRoom(string)                            {}
