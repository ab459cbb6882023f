// Package presence tracks which connection currently represents each online user.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/spagchat/internal/logger"
	"github.com/spagchat/internal/ws"
)

var ErrInvalidIdentity = errors.New("presence: missing or malformed user id")

// RoomLister returns the rooms a user belongs to, read past the cache.
type RoomLister interface {
	RoomIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Subscriptions is the part of ws.Hub the registry drives.
type Subscriptions interface {
	Join(connID, roomID string) bool
	LeaveAll(connID string)
	BroadcastAll(event ws.EventType, payload any) int
}

// Registry maps user -> connection and connection -> user under one lock.
// A later connection replaces the user's entry without closing the earlier socket.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string
	byConn map[string]string

	subs  Subscriptions
	rooms RoomLister
}

var _ ws.Lifecycle = (*Registry)(nil)

func NewRegistry(subs Subscriptions, rooms RoomLister) *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
		subs:   subs,
		rooms:  rooms,
	}
}

// OnConnect registers the connection, resubscribes it to the user's rooms and
// broadcasts the roster.
func (r *Registry) OnConnect(ctx context.Context, userID, connID string) error {
	defer logger.DeferLogDuration("presence.OnConnect", time.Now())()
	if _, err := uuid.Parse(userID); err != nil {
		return ErrInvalidIdentity
	}
	if connID == "" {
		return errors.New("presence: empty connection id")
	}

	r.mu.Lock()
	if prev, ok := r.byUser[userID]; ok && prev != connID {
		delete(r.byConn, prev)
	}
	r.byUser[userID] = connID
	r.byConn[connID] = userID
	r.mu.Unlock()

	if r.rooms != nil {
		roomIDs, err := r.rooms.RoomIDsForUser(ctx, userID)
		if err != nil {
			logger.Warnf("presence: resubscribe user=%s conn=%s: %v", userID, connID, err)
		}
		for _, roomID := range roomIDs {
			r.subs.Join(connID, roomID)
		}
	}

	r.broadcastRoster()
	return nil
}

// OnDisconnect is idempotent. The user's entry is removed only while it still points at connID.
func (r *Registry) OnDisconnect(ctx context.Context, connID string) {
	r.subs.LeaveAll(connID)

	r.mu.Lock()
	changed := false
	if userID, ok := r.byConn[connID]; ok {
		delete(r.byConn, connID)
		if r.byUser[userID] == connID {
			delete(r.byUser, userID)
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.broadcastRoster()
	}
}

// Online returns the sorted ids of online users.
func (r *Registry) Online() []string {
	r.mu.RLock()
	ids := lo.Keys(r.byUser)
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) ConnectionOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.ConnectionOf(userID)
	return ok
}

func (r *Registry) broadcastRoster() {
	r.subs.BroadcastAll(ws.EventOnlineRosterChanged, ws.RosterPayload{UserIDs: r.Online()})
}
