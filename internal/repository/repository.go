// Package repository is the Persistence Gateway: durable rooms, memberships, messages and
// read receipts. Missing entities are reported as ErrNotFound, never as a nil result.
package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/spagchat/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when the supplied room version is not the current one.
	ErrConflict      = errors.New("version conflict")
	ErrAlreadyMember = errors.New("already a member")
	// ErrDuplicate is returned when a private room for the same pair already exists.
	ErrDuplicate = errors.New("duplicate private room")
)

type RoomStore interface {
	// CreateRoom inserts the room and its memberships atomically and sets room.Version.
	CreateRoom(ctx context.Context, room *model.Room, memberIDs []string) error
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	GetRoomByName(ctx context.Context, name string) (*model.Room, error)
	FindPrivateRoom(ctx context.Context, userA, userB string) (*model.Room, error)
	RoomExists(ctx context.Context, id string) (bool, error)
	// ListRoomsForUser returns every room userID belongs to with all members and the
	// latest non-deleted message joined in.
	ListRoomsForUser(ctx context.Context, userID string) ([]model.RoomPreview, error)
	ListRoomIDsForUser(ctx context.Context, userID string) ([]string, error)
	ListRoomsUserIsNotIn(ctx context.Context, userID string) ([]model.Room, error)
	UpdateRoomName(ctx context.Context, id, name string, expectedVersion int64) (*model.Room, error)
	DeleteRoom(ctx context.Context, id string) error

	ListMembers(ctx context.Context, roomID string) ([]model.UserPublic, error)
	ListMemberIDs(ctx context.Context, roomID string) ([]string, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	AddMembers(ctx context.Context, roomID string, userIDs []string, expectedVersion int64) (*model.Room, error)
	RemoveMember(ctx context.Context, roomID, userID string, expectedVersion int64) (*model.Room, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	// GetMessage returns the message even when it is soft-deleted.
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// ListMessages returns non-deleted messages in ascending timestamp order with sender and readers.
	ListMessages(ctx context.Context, roomID string) ([]model.Message, error)
	EditMessage(ctx context.Context, id, content string) (*model.Message, error)
	SoftDeleteMessage(ctx context.Context, id string) error
	// AddReceipt reports whether a new receipt was recorded.
	AddReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	// MarkRoomRead records receipts for every visible unread message and returns how many were added.
	MarkRoomRead(ctx context.Context, roomID, userID string, at time.Time) (int, error)
	CountUnread(ctx context.Context, roomID, userID string) (int, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUsers(ctx context.Context, ids []string) ([]model.User, error)
	// ListUsers returns up to limit users ordered by username.
	ListUsers(ctx context.Context, limit int) ([]model.User, error)
	// ListUsersWithoutPrivateRoom returns users other than userID who share no private room with them.
	ListUsersWithoutPrivateRoom(ctx context.Context, userID string) ([]model.User, error)
	// EnsureUser upserts the local read copy of an identity.
	EnsureUser(ctx context.Context, u *model.User) error
}

// Store bundles the three gateways.
type Store interface {
	RoomStore
	MessageStore
	UserStore
}

// PrivateKey is the order-independent identity of a private room's member pair.
func PrivateKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}
