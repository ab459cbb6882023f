package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spagchat/internal/model"
	"github.com/spagchat/internal/repository"
)

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[m.RoomID]; !ok {
		return fmt.Errorf("memstore.CreateMessage: room: %w", repository.ErrNotFound)
	}
	if _, ok := s.users[m.SenderID]; !ok {
		return fmt.Errorf("memstore.CreateMessage: sender: %w", repository.ErrNotFound)
	}
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("memstore.CreateMessage: message %s exists", m.ID)
	}
	stored := *m
	stored.Sender = nil
	stored.ReadBy = nil
	s.messages[m.ID] = stored
	s.byRoom[m.RoomID] = append(s.byRoom[m.RoomID], m.ID)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := s.enrichLocked(m)
	return &out, nil
}

func (s *Store) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, 0, len(s.byRoom[roomID]))
	for _, id := range s.byRoom[roomID] {
		m := s.messages[id]
		if m.IsDeleted {
			continue
		}
		out = append(out, s.enrichLocked(m))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) EditMessage(ctx context.Context, id, content string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	m.Content = content
	m.IsEdited = true
	s.messages[id] = m
	out := s.enrichLocked(m)
	return &out, nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.IsDeleted = true
	s.messages[id] = m
	return nil
}

func (s *Store) AddReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return false, fmt.Errorf("memstore.AddReceipt: message: %w", repository.ErrNotFound)
	}
	if _, ok := s.users[userID]; !ok {
		return false, fmt.Errorf("memstore.AddReceipt: user: %w", repository.ErrNotFound)
	}
	return s.addReceiptLocked(messageID, userID, at), nil
}

func (s *Store) MarkRoomRead(ctx context.Context, roomID, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return 0, fmt.Errorf("memstore.MarkRoomRead: user: %w", repository.ErrNotFound)
	}
	n := 0
	for _, id := range s.byRoom[roomID] {
		if s.messages[id].IsDeleted {
			continue
		}
		if s.addReceiptLocked(id, userID, at) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountUnread(ctx context.Context, roomID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.byRoom[roomID] {
		m := s.messages[id]
		if m.IsDeleted || m.SenderID == userID {
			continue
		}
		if _, read := s.receipts[id][userID]; !read {
			n++
		}
	}
	return n, nil
}

func (s *Store) addReceiptLocked(messageID, userID string, at time.Time) bool {
	set, ok := s.receipts[messageID]
	if !ok {
		set = make(map[string]time.Time)
		s.receipts[messageID] = set
	}
	if _, exists := set[userID]; exists {
		return false
	}
	set[userID] = at
	return true
}

// enrichLocked прикрепляет автора и прочитавших в порядке read_at, затем id.
func (s *Store) enrichLocked(m model.Message) model.Message {
	if u, ok := s.users[m.SenderID]; ok {
		pub := u.ToPublic()
		m.Sender = &pub
	}
	type reader struct {
		id string
		at time.Time
	}
	readers := make([]reader, 0, len(s.receipts[m.ID]))
	for id, at := range s.receipts[m.ID] {
		readers = append(readers, reader{id: id, at: at})
	}
	sort.Slice(readers, func(i, j int) bool {
		if !readers[i].at.Equal(readers[j].at) {
			return readers[i].at.Before(readers[j].at)
		}
		return readers[i].id < readers[j].id
	})
	m.ReadBy = make([]string, 0, len(readers))
	for _, r := range readers {
		m.ReadBy = append(m.ReadBy, r.id)
	}
	return m
}
