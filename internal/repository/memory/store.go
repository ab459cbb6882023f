// Package memory is an in-process Persistence Gateway with the same semantics as the
// Postgres repositories. It backs the -memstore mode and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spagchat/internal/model"
	"github.com/spagchat/internal/repository"
)

type roomRow struct {
	room       model.Room
	privateKey string
}

type memberRow struct {
	m   model.Membership
	seq int64
}

type Store struct {
	mu       sync.RWMutex
	users    map[string]model.User
	rooms    map[string]roomRow
	private  map[string]string
	members  map[string]map[string]memberRow
	messages map[string]model.Message
	byRoom   map[string][]string
	receipts map[string]map[string]time.Time
	seq      int64
	now      func() time.Time
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:    make(map[string]model.User),
		rooms:    make(map[string]roomRow),
		private:  make(map[string]string),
		members:  make(map[string]map[string]memberRow),
		messages: make(map[string]model.Message),
		byRoom:   make(map[string][]string),
		receipts: make(map[string]map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateRoom(ctx context.Context, room *model.Room, memberIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var key string
	if !room.IsGroup {
		if len(memberIDs) != 2 {
			return fmt.Errorf("memstore.CreateRoom: private room needs 2 members, got %d", len(memberIDs))
		}
		key = repository.PrivateKey(memberIDs[0], memberIDs[1])
		if _, ok := s.private[key]; ok {
			return fmt.Errorf("memstore.CreateRoom: %w", repository.ErrDuplicate)
		}
	}
	if _, ok := s.rooms[room.ID]; ok {
		return fmt.Errorf("memstore.CreateRoom: room %s exists", room.ID)
	}
	seen := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		if _, ok := s.users[id]; !ok {
			return fmt.Errorf("memstore.CreateRoom: member: %w", repository.ErrNotFound)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("memstore.CreateRoom: %w", repository.ErrAlreadyMember)
		}
		seen[id] = struct{}{}
	}

	room.Version = 1
	s.rooms[room.ID] = roomRow{room: *room, privateKey: key}
	if key != "" {
		s.private[key] = room.ID
	}
	set := make(map[string]memberRow, len(memberIDs))
	for _, id := range memberIDs {
		s.seq++
		set[id] = memberRow{
			m:   model.Membership{ID: uuid.New().String(), RoomID: room.ID, UserID: id, Version: 1, JoinedAt: room.CreatedAt},
			seq: s.seq,
		}
	}
	s.members[room.ID] = set
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rm := row.room
	return &rm, nil
}

func (s *Store) GetRoomByName(ctx context.Context, name string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.Room
	for _, row := range s.rooms {
		if !row.room.IsGroup || row.room.Name != name {
			continue
		}
		if best == nil || row.room.CreatedAt.Before(best.CreatedAt) ||
			(row.room.CreatedAt.Equal(best.CreatedAt) && row.room.ID < best.ID) {
			rm := row.room
			best = &rm
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (s *Store) FindPrivateRoom(ctx context.Context, userA, userB string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.private[repository.PrivateKey(userA, userB)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rm := s.rooms[id].room
	return &rm, nil
}

func (s *Store) RoomExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[id]
	return ok, nil
}

func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]model.RoomPreview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	previews := make([]model.RoomPreview, 0, 16)
	for roomID, set := range s.members {
		if _, ok := set[userID]; !ok {
			continue
		}
		p := model.RoomPreview{Room: s.rooms[roomID].room, Members: s.membersLocked(roomID)}
		if last, ok := s.lastMessageLocked(roomID); ok {
			p.LastMessageContent = last.Content
			ts := last.Timestamp
			p.LastMessageTimestamp = &ts
		}
		previews = append(previews, p)
	}
	sort.SliceStable(previews, func(i, j int) bool {
		a, b := previews[i].LastMessageTimestamp, previews[j].LastMessageTimestamp
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return previews[i].CreatedAt.After(previews[j].CreatedAt)
	})
	return previews, nil
}

func (s *Store) ListRoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, 8)
	for roomID, set := range s.members {
		if _, ok := set[userID]; ok {
			ids = append(ids, roomID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ListRoomsUserIsNotIn(ctx context.Context, userID string) ([]model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]model.Room, 0, 8)
	for roomID, row := range s.rooms {
		if !row.room.IsGroup {
			continue
		}
		if _, in := s.members[roomID][userID]; in {
			continue
		}
		rooms = append(rooms, row.room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Name != rooms[j].Name {
			return rooms[i].Name < rooms[j].Name
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (s *Store) UpdateRoomName(ctx context.Context, id, name string, expectedVersion int64) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.bumpLocked(id, expectedVersion)
	if err != nil {
		return nil, err
	}
	row.room.Name = name
	s.rooms[id] = row
	rm := row.room
	return &rm, nil
}

func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rooms[id]
	if !ok {
		return repository.ErrNotFound
	}
	if row.privateKey != "" {
		delete(s.private, row.privateKey)
	}
	for _, msgID := range s.byRoom[id] {
		delete(s.messages, msgID)
		delete(s.receipts, msgID)
	}
	delete(s.byRoom, id)
	delete(s.members, id)
	delete(s.rooms, id)
	return nil
}

func (s *Store) ListMembers(ctx context.Context, roomID string) ([]model.UserPublic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.membersLocked(roomID), nil
}

func (s *Store) ListMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.members[roomID]))
	for id := range s.members[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[roomID][userID]
	return ok, nil
}

func (s *Store) AddMembers(ctx context.Context, roomID string, userIDs []string, expectedVersion int64) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if row.room.Version != expectedVersion {
		return nil, repository.ErrConflict
	}
	set := s.members[roomID]
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := s.users[id]; !ok {
			return nil, fmt.Errorf("memstore.AddMembers: user: %w", repository.ErrNotFound)
		}
		_, member := set[id]
		_, dup := seen[id]
		if member || dup {
			return nil, fmt.Errorf("memstore.AddMembers: %w", repository.ErrAlreadyMember)
		}
		seen[id] = struct{}{}
	}
	now := s.now()
	for _, id := range userIDs {
		s.seq++
		set[id] = memberRow{
			m:   model.Membership{ID: uuid.New().String(), RoomID: roomID, UserID: id, Version: 1, JoinedAt: now},
			seq: s.seq,
		}
	}
	row.room.Version++
	s.rooms[roomID] = row
	rm := row.room
	return &rm, nil
}

func (s *Store) RemoveMember(ctx context.Context, roomID, userID string, expectedVersion int64) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if row.room.Version != expectedVersion {
		return nil, repository.ErrConflict
	}
	if _, ok := s.members[roomID][userID]; !ok {
		return nil, repository.ErrNotFound
	}
	delete(s.members[roomID], userID)
	row.room.Version++
	s.rooms[roomID] = row
	rm := row.room
	return &rm, nil
}

func (s *Store) bumpLocked(id string, expectedVersion int64) (roomRow, error) {
	row, ok := s.rooms[id]
	if !ok {
		return row, repository.ErrNotFound
	}
	if row.room.Version != expectedVersion {
		return row, repository.ErrConflict
	}
	row.room.Version++
	return row, nil
}

func (s *Store) membersLocked(roomID string) []model.UserPublic {
	rows := make([]memberRow, 0, len(s.members[roomID]))
	for _, r := range s.members[roomID] {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]model.UserPublic, 0, len(rows))
	for _, r := range rows {
		u := s.users[r.m.UserID]
		out = append(out, u.ToPublic())
	}
	return out
}

func (s *Store) lastMessageLocked(roomID string) (model.Message, bool) {
	var last model.Message
	found := false
	for _, id := range s.byRoom[roomID] {
		m := s.messages[id]
		if m.IsDeleted {
			continue
		}
		if !found || !m.Timestamp.Before(last.Timestamp) {
			last = m
			found = true
		}
	}
	return last, found
}
