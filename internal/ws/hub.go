package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spagchat/internal/logger"
)

// Lifecycle вызывается из цикла хаба при регистрации и удалении соединения.
// Ошибка OnConnect отклоняет соединение.
type Lifecycle interface {
	OnConnect(ctx context.Context, userID, connID string) error
	OnDisconnect(ctx context.Context, connID string)
}

// MembershipChecker проверяет членство для входящих кадров join.
type MembershipChecker interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

type Options struct {
	MaxConnections int
	SendBufferSize int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10000
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	return o
}

type set map[string]struct{}

// Hub — менеджер подписок на комнаты. Все индексы ниже под mu.
// Регистрация и удаление идут через один канал events и применяются в Run строго по порядку.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Client
	userConns map[string]set
	rooms     map[string]set
	roomUsers map[string]map[string]int
	joined    map[string]set

	opts       Options
	lifecycle  Lifecycle
	membership MembershipChecker

	events chan hubEvent
	done   chan struct{}
}

// hubEvent — регистрация (register=true) или удаление соединения.
type hubEvent struct {
	client   *Client
	register bool
}

func NewHub(opts Options) *Hub {
	return &Hub{
		conns:      make(map[string]*Client),
		userConns:  make(map[string]set),
		rooms:      make(map[string]set),
		roomUsers:  make(map[string]map[string]int),
		joined:     make(map[string]set),
		opts:       opts.withDefaults(),
		events:     make(chan hubEvent, 128),
		done:       make(chan struct{}),
	}
}

// SetLifecycle вызывать до Run.
func (h *Hub) SetLifecycle(l Lifecycle) { h.lifecycle = l }

// SetMembershipChecker вызывать до Run.
func (h *Hub) SetMembershipChecker(m MembershipChecker) { h.membership = m }

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev := <-h.events:
			if ev.register {
				h.addClient(ev.client)
			} else {
				h.removeClient(ev.client)
			}
		}
	}
}

func (h *Hub) shutdown() {
	// Собираем клиентов под локом, I/O вне мьютекса.
	h.mu.Lock()
	all := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.conns = make(map[string]*Client)
	h.userConns = make(map[string]set)
	h.rooms = make(map[string]set)
	h.roomUsers = make(map[string]map[string]int)
	h.joined = make(map[string]set)
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	// Соединение уже закрыто или его удаление пришло раньше регистрации: не регистрируем.
	if c.removed || c.closed() {
		c.removed = true
		c.Close()
		return
	}
	h.mu.Lock()
	if len(h.conns) >= h.opts.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConnections, c.userID)
		c.Close()
		return
	}
	h.conns[c.id] = c
	if _, ok := h.userConns[c.userID]; !ok {
		h.userConns[c.userID] = make(set)
	}
	h.userConns[c.userID][c.id] = struct{}{}
	h.mu.Unlock()

	if h.lifecycle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.lifecycle.OnConnect(ctx, c.userID, c.id); err != nil {
		logger.Errorf("ws connect rejected user=%q conn=%s: %v", c.userID, c.id, err)
		h.dropClient(c)
		c.Close()
	}
}

func (h *Hub) removeClient(c *Client) {
	c.removed = true
	if !h.dropClient(c) {
		return
	}
	// Сетевой I/O вне лока.
	c.Close()

	if h.lifecycle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.lifecycle.OnDisconnect(ctx, c.id)
	}
}

// dropClient удаляет соединение и все его подписки. Возвращает true, если оно было зарегистрировано.
func (h *Hub) dropClient(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; !ok || cur != c {
		return false
	}
	h.leaveAllLocked(c.id)
	delete(h.conns, c.id)
	if ids, ok := h.userConns[c.userID]; ok {
		delete(ids, c.id)
		if len(ids) == 0 {
			delete(h.userConns, c.userID)
		}
	}
	return true
}

// Join подписывает зарегистрированное соединение на комнату; для неизвестного соединения false.
func (h *Hub) Join(connID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	h.joinLocked(c, roomID)
	return true
}

func (h *Hub) Leave(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, roomID)
}

// LeaveAll отписывает connID от всех комнат. Идемпотентен.
func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(connID)
}

// JoinUser подписывает все живые соединения пользователя на комнату.
func (h *Hub) JoinUser(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.userConns[userID] {
		h.joinLocked(h.conns[connID], roomID)
	}
}

// LeaveUser отписывает все соединения пользователя от комнаты.
func (h *Hub) LeaveUser(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.userConns[userID] {
		h.leaveLocked(connID, roomID)
	}
}

// CloseRoom снимает все подписки на комнату (комната удалена).
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.rooms[roomID] {
		delete(h.joined[connID], roomID)
	}
	delete(h.rooms, roomID)
	delete(h.roomUsers, roomID)
}

func (h *Hub) joinLocked(c *Client, roomID string) {
	if c == nil {
		return
	}
	conns, ok := h.rooms[roomID]
	if !ok {
		conns = make(set)
		h.rooms[roomID] = conns
	}
	if _, already := conns[c.id]; already {
		return
	}
	conns[c.id] = struct{}{}
	users, ok := h.roomUsers[roomID]
	if !ok {
		users = make(map[string]int)
		h.roomUsers[roomID] = users
	}
	users[c.userID]++
	rooms, ok := h.joined[c.id]
	if !ok {
		rooms = make(set)
		h.joined[c.id] = rooms
	}
	rooms[roomID] = struct{}{}
}

func (h *Hub) leaveLocked(connID, roomID string) {
	conns, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if _, in := conns[connID]; !in {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.rooms, roomID)
	}
	if rooms, ok := h.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.joined, connID)
		}
	}
	c, ok := h.conns[connID]
	if !ok {
		// соединение уже удалено из conns — пересчитываем по оставшимся подписчикам
		h.recountUsersLocked(roomID)
		return
	}
	if users, ok := h.roomUsers[roomID]; ok {
		users[c.userID]--
		if users[c.userID] <= 0 {
			delete(users, c.userID)
		}
		if len(users) == 0 {
			delete(h.roomUsers, roomID)
		}
	}
}

func (h *Hub) leaveAllLocked(connID string) {
	rooms := h.joined[connID]
	if len(rooms) == 0 {
		return
	}
	ids := make([]string, 0, len(rooms))
	for roomID := range rooms {
		ids = append(ids, roomID)
	}
	for _, roomID := range ids {
		h.leaveLocked(connID, roomID)
	}
}

func (h *Hub) recountUsersLocked(roomID string) {
	users := make(map[string]int)
	for connID := range h.rooms[roomID] {
		if c, ok := h.conns[connID]; ok {
			users[c.userID]++
		}
	}
	if len(users) == 0 {
		delete(h.roomUsers, roomID)
		return
	}
	h.roomUsers[roomID] = users
}

// Broadcast отправляет событие подписчикам комнаты и возвращает число адресатов.
func (h *Hub) Broadcast(roomID string, event EventType, payload any) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	for connID := range h.rooms[roomID] {
		if c, ok := h.conns[connID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, OutgoingMessage{Type: event, Payload: payload})
	return len(targets)
}

// BroadcastAll — всем зарегистрированным соединениям.
func (h *Hub) BroadcastAll(event EventType, payload any) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, OutgoingMessage{Type: event, Payload: payload})
	return len(targets)
}

// SendToUsers — во все живые соединения перечисленных пользователей.
func (h *Hub) SendToUsers(userIDs []string, event EventType, payload any) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(userIDs))
	seen := make(set, len(userIDs))
	for _, uid := range userIDs {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		for connID := range h.userConns[uid] {
			targets = append(targets, h.conns[connID])
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, OutgoingMessage{Type: event, Payload: payload})
	return len(targets)
}

func (h *Hub) deliver(targets []*Client, msg OutgoingMessage) {
	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

// RoomConnections возвращает отсортированные id соединений, подписанных на комнату.
func (h *Hub) RoomConnections(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.rooms[roomID])
}

// RoomUsers — отсортированные id пользователей, у которых есть хотя бы одна подписка на комнату.
func (h *Hub) RoomUsers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.roomUsers[roomID]))
	for uid := range h.roomUsers[roomID] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// ConnectionRooms — комнаты, на которые подписано соединение.
func (h *Hub) ConnectionRooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.joined[connID])
}

// UserConnections — отсортированные id живых соединений пользователя.
func (h *Hub) UserConnections(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.userConns[userID])
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleMessage разбирает входящие кадры WebSocket.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventJoin:
		h.handleJoin(ctx, c, msg)
	case EventLeave:
		if msg.RoomID == "" {
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "room_id required"})
			return
		}
		h.Leave(c.id, msg.RoomID)
		h.sendToClient(c, OutgoingMessage{Type: EventLeft, Payload: RoomPayload{RoomID: msg.RoomID}})
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	if msg.RoomID == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "room_id required"})
		return
	}
	if h.membership == nil {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "not a member"})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := h.membership.IsMember(ctx, msg.RoomID, c.userID)
	if err != nil {
		logger.Errorf("ws check membership room=%s user=%s: %v", msg.RoomID, c.userID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "internal error"})
		return
	}
	if !ok {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "not a member"})
		return
	}
	if !h.Join(c.id, msg.RoomID) {
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventJoined, Payload: RoomPayload{RoomID: msg.RoomID}})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Буфер отправки полон — закрываем медленного клиента.
		logger.Errorf("ws send buffer full, closing slow client user=%s conn=%s", c.userID, c.id)
		c.Close()
	}
}

// Register ставит регистрацию в очередь хаба. Вызывать до Client.Start,
// чтобы удаление из readPump не могло обогнать регистрацию.
func (h *Hub) Register(c *Client) {
	select {
	case h.events <- hubEvent{client: c, register: true}:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.events <- hubEvent{client: c}:
	case <-h.done:
	}
}

func sortedKeys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
