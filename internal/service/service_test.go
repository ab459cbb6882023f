package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spagchat/internal/cache"
	memcache "github.com/spagchat/internal/cache/memory"
	"github.com/spagchat/internal/model"
	memstore "github.com/spagchat/internal/repository/memory"
	"github.com/spagchat/internal/ws"
)

type sent struct {
	room    string
	users   []string
	event   ws.EventType
	payload any
}

type fakeHub struct {
	mu     sync.Mutex
	sent   []sent
	joins  map[string][]string
	leaves map[string][]string
	closed []string
}

func newFakeHub() *fakeHub {
	return &fakeHub{joins: map[string][]string{}, leaves: map[string][]string{}}
}

func (h *fakeHub) Broadcast(roomID string, event ws.EventType, payload any) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sent{room: roomID, event: event, payload: payload})
	return 1
}

func (h *fakeHub) SendToUsers(userIDs []string, event ws.EventType, payload any) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sent{users: append([]string(nil), userIDs...), event: event, payload: payload})
	return len(userIDs)
}

func (h *fakeHub) JoinUser(userID, roomID string) {
	h.mu.Lock()
	h.joins[roomID] = append(h.joins[roomID], userID)
	h.mu.Unlock()
}

func (h *fakeHub) LeaveUser(userID, roomID string) {
	h.mu.Lock()
	h.leaves[roomID] = append(h.leaves[roomID], userID)
	h.mu.Unlock()
}

func (h *fakeHub) CloseRoom(roomID string) {
	h.mu.Lock()
	h.closed = append(h.closed, roomID)
	h.mu.Unlock()
}

func (h *fakeHub) events(event ws.EventType) []sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sent
	for _, s := range h.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

type fakePresence map[string]bool

func (p fakePresence) IsOnline(userID string) bool { return p[userID] }

type pushed struct {
	userID, title, body string
	data                map[string]string
}

type fakePush struct {
	mu   sync.Mutex
	sent []pushed
}

func (p *fakePush) Notify(_ context.Context, userID, title, body string, data map[string]string) {
	p.mu.Lock()
	p.sent = append(p.sent, pushed{userID: userID, title: title, body: body, data: data})
	p.mu.Unlock()
}

func (p *fakePush) users() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.userID)
	}
	return out
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances by a millisecond per call so timestamps are strictly ordered.
func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type testEnv struct {
	ctx   context.Context
	store *memstore.Store
	cache *memcache.Client
	hub   *fakeHub
	rooms *RoomService
	msgs  *MessageService
	push  *fakePush
	users map[string]string
}

func newTestEnv(t *testing.T, policy Policy, online fakePresence) *testEnv {
	t.Helper()
	store := memstore.New()
	c := memcache.New()
	hub := newFakeHub()
	push := &fakePush{}
	rooms := NewRoomService(store, c, hub, policy, cache.DefaultTTL)
	clk := &tickClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	rooms.now = clk.Now
	if online == nil {
		online = fakePresence{}
	}
	msgs := NewMessageService(rooms, online, push)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		msgs.RunPush(ctx, 2)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &testEnv{
		ctx: context.Background(), store: store, cache: c, hub: hub,
		rooms: rooms, msgs: msgs, push: push, users: map[string]string{},
	}
}

func (e *testEnv) seed(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		id := uuid.New().String()
		require.NoError(t, e.store.EnsureUser(e.ctx, &model.User{ID: id, Username: n}))
		e.users[n] = id
	}
}

func (e *testEnv) ids(names ...string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, e.users[n])
	}
	return out
}

func (e *testEnv) group(t *testing.T, creator, name string, members ...string) model.RoomView {
	t.Helper()
	view, err := e.rooms.CreateRoom(e.ctx, e.users[creator], CreateRoomInput{Name: name, IsGroup: true, MemberIDs: e.ids(members...)})
	require.NoError(t, err)
	return view
}

func (e *testEnv) send(t *testing.T, roomID, sender, content string) model.Message {
	t.Helper()
	msg, err := e.msgs.SendMessage(e.ctx, SendMessageInput{RoomID: roomID, SenderID: e.users[sender], Content: content})
	require.NoError(t, err)
	return msg
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "error: %v", err)
}

func memberNames(view model.RoomView) []string {
	out := make([]string, 0, len(view.Members))
	for _, m := range view.Members {
		out = append(out, m.Username)
	}
	return out
}
