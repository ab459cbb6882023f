package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spagchat/internal/model"
	"github.com/spagchat/internal/repository"
)

func seedUsers(t *testing.T, s *Store, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for _, n := range names {
		id := uuid.New().String()
		require.NoError(t, s.EnsureUser(context.Background(), &model.User{ID: id, Username: n}))
		ids = append(ids, id)
	}
	return ids
}

func newRoom(name string, group bool, at time.Time) *model.Room {
	return &model.Room{ID: uuid.New().String(), Name: name, IsGroup: group, CreatedAt: at}
}

func TestCreatePrivateRoomIsUniquePerPair(t *testing.T) {
	ctx := context.Background()
	s := New()
	ids := seedUsers(t, s, "alice", "bob")

	first := newRoom("", false, time.Now())
	require.NoError(t, s.CreateRoom(ctx, first, []string{ids[0], ids[1]}))
	require.Equal(t, int64(1), first.Version)

	err := s.CreateRoom(ctx, newRoom("", false, time.Now()), []string{ids[1], ids[0]})
	require.ErrorIs(t, err, repository.ErrDuplicate)

	found, err := s.FindPrivateRoom(ctx, ids[1], ids[0])
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
}

func TestCreateRoomUnknownMember(t *testing.T) {
	s := New()
	ids := seedUsers(t, s, "alice")
	err := s.CreateRoom(context.Background(), newRoom("Team", true, time.Now()), []string{ids[0], uuid.New().String()})
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestVersionedMutations(t *testing.T) {
	ctx := context.Background()
	s := New()
	ids := seedUsers(t, s, "a", "b", "c")
	room := newRoom("Team", true, time.Now())
	require.NoError(t, s.CreateRoom(ctx, room, ids[:2]))

	renamed, err := s.UpdateRoomName(ctx, room.ID, "Crew", 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), renamed.Version)

	_, err = s.UpdateRoomName(ctx, room.ID, "Stale", 1)
	require.ErrorIs(t, err, repository.ErrConflict)

	_, err = s.AddMembers(ctx, room.ID, []string{ids[2]}, 2)
	require.NoError(t, err)
	_, err = s.AddMembers(ctx, room.ID, []string{ids[2]}, 3)
	require.ErrorIs(t, err, repository.ErrAlreadyMember)

	updated, err := s.RemoveMember(ctx, room.ID, ids[1], 3)
	require.NoError(t, err)
	require.Equal(t, int64(4), updated.Version)
	_, err = s.RemoveMember(ctx, room.ID, ids[1], 4)
	require.ErrorIs(t, err, repository.ErrNotFound)

	members, err := s.ListMembers(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "a", members[0].Username)
	require.Equal(t, "c", members[1].Username)

	_, err = s.UpdateRoomName(ctx, uuid.New().String(), "x", 1)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMessagesReceiptsAndUnread(t *testing.T) {
	ctx := context.Background()
	s := New()
	ids := seedUsers(t, s, "a", "b")
	room := newRoom("Team", true, time.Now())
	require.NoError(t, s.CreateRoom(ctx, room, ids))

	base := time.Now().UTC()
	m1 := &model.Message{ID: uuid.New().String(), RoomID: room.ID, SenderID: ids[0], Content: "one", Timestamp: base.Add(time.Second)}
	m2 := &model.Message{ID: uuid.New().String(), RoomID: room.ID, SenderID: ids[0], Content: "two", Timestamp: base}
	require.NoError(t, s.CreateMessage(ctx, m1))
	require.NoError(t, s.CreateMessage(ctx, m2))

	list, err := s.ListMessages(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"two", "one"}, []string{list[0].Content, list[1].Content})
	require.Equal(t, "a", list[0].Sender.Username)

	unread, err := s.CountUnread(ctx, room.ID, ids[1])
	require.NoError(t, err)
	require.Equal(t, 2, unread)

	added, err := s.AddReceipt(ctx, m1.ID, ids[1], base)
	require.NoError(t, err)
	require.True(t, added)
	added, err = s.AddReceipt(ctx, m1.ID, ids[1], base)
	require.NoError(t, err)
	require.False(t, added)

	n, err := s.MarkRoomRead(ctx, room.ID, ids[1], base)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	unread, err = s.CountUnread(ctx, room.ID, ids[1])
	require.NoError(t, err)
	require.Zero(t, unread)

	require.NoError(t, s.SoftDeleteMessage(ctx, m2.ID))
	require.NoError(t, s.SoftDeleteMessage(ctx, m2.ID))
	list, err = s.ListMessages(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []string{ids[1]}, list[0].ReadBy)

	got, err := s.GetMessage(ctx, m2.ID)
	require.NoError(t, err)
	require.True(t, got.IsDeleted)
	require.Equal(t, "two", got.Content)
}

func TestListRoomsForUserOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	ids := seedUsers(t, s, "a", "b")
	now := time.Now().UTC()
	quiet := newRoom("Quiet", true, now)
	busy := newRoom("Busy", true, now.Add(-time.Hour))
	require.NoError(t, s.CreateRoom(ctx, quiet, ids))
	require.NoError(t, s.CreateRoom(ctx, busy, ids))
	require.NoError(t, s.CreateMessage(ctx, &model.Message{
		ID: uuid.New().String(), RoomID: busy.ID, SenderID: ids[0], Content: "hi", Timestamp: now,
	}))

	previews, err := s.ListRoomsForUser(ctx, ids[1])
	require.NoError(t, err)
	require.Len(t, previews, 2)
	require.Equal(t, busy.ID, previews[0].ID)
	require.Equal(t, "hi", previews[0].LastMessageContent)
	require.Nil(t, previews[1].LastMessageTimestamp)
	require.Len(t, previews[0].Members, 2)
}

func TestDeleteRoomCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	ids := seedUsers(t, s, "a", "b")
	room := newRoom("", false, time.Now())
	require.NoError(t, s.CreateRoom(ctx, room, ids))
	msg := &model.Message{ID: uuid.New().String(), RoomID: room.ID, SenderID: ids[0], Content: "x", Timestamp: time.Now()}
	require.NoError(t, s.CreateMessage(ctx, msg))

	require.NoError(t, s.DeleteRoom(ctx, room.ID))
	require.ErrorIs(t, s.DeleteRoom(ctx, room.ID), repository.ErrNotFound)

	_, err := s.GetMessage(ctx, msg.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
	roomIDs, err := s.ListRoomIDsForUser(ctx, ids[0])
	require.NoError(t, err)
	require.Empty(t, roomIDs)

	// the pair may start a new private room
	require.NoError(t, s.CreateRoom(ctx, newRoom("", false, time.Now()), ids))
}

func TestUsersWithoutPrivateRoomAndNotIn(t *testing.T) {
	ctx := context.Background()
	s := New()
	ids := seedUsers(t, s, "a", "b", "c")
	require.NoError(t, s.CreateRoom(ctx, newRoom("", false, time.Now()), ids[:2]))
	group := newRoom("Team", true, time.Now())
	require.NoError(t, s.CreateRoom(ctx, group, ids[1:]))

	users, err := s.ListUsersWithoutPrivateRoom(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "c", users[0].Username)

	rooms, err := s.ListRoomsUserIsNotIn(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, group.ID, rooms[0].ID)

	byName, err := s.GetRoomByName(ctx, "Team")
	require.NoError(t, err)
	require.Equal(t, group.ID, byName.ID)
	_, err = s.GetRoomByName(ctx, "")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
