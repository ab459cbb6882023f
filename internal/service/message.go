package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/spagchat/internal/cache"
	"github.com/spagchat/internal/logger"
	"github.com/spagchat/internal/model"
	"github.com/spagchat/internal/repository"
	"github.com/spagchat/internal/ws"
)

const (
	maxContentLen  = 4000
	pushPreviewLen = 120
	pushQueueSize  = 512
)

type MessageService struct {
	rooms    *RoomService
	store    repository.Store
	cache    *cache.Guard
	ttl      cache.TTLPolicy
	hub      Broadcaster
	presence Presence
	push     PushNotifier
	pushJobs chan pushJob
	now      func() time.Time
}

type pushJob struct {
	userID, title, body string
	data                map[string]string
}

// NewMessageService builds the service on top of rooms; presence and push may be nil.
func NewMessageService(rooms *RoomService, presence Presence, push PushNotifier) *MessageService {
	return &MessageService{
		rooms:    rooms,
		store:    rooms.store,
		cache:    rooms.cache,
		ttl:      rooms.ttl,
		hub:      rooms.hub,
		presence: presence,
		push:     push,
		pushJobs: make(chan pushJob, pushQueueSize),
		now:      rooms.now,
	}
}

type SendMessageInput struct {
	RoomID   string `validate:"required,uuid"`
	SenderID string `validate:"required,uuid"`
	Content  string `validate:"required,max=4000"`
}

// SendMessage persists a message from a room member and fans it out to the room.
// The sender's own receipt is recorded at creation.
func (s *MessageService) SendMessage(ctx context.Context, in SendMessageInput) (model.Message, error) {
	defer logger.DeferLogDuration("messageSvc.SendMessage", time.Now())()
	in.Content = strings.TrimSpace(in.Content)
	if err := validateStruct(in); err != nil {
		return model.Message{}, err
	}
	view, err := s.rooms.loadRoom(ctx, in.RoomID)
	if err != nil {
		return model.Message{}, err
	}
	ok, err := s.store.IsMember(ctx, in.RoomID, in.SenderID)
	if err != nil {
		return model.Message{}, storeError(err, "membership")
	}
	if !ok {
		return model.Message{}, forbidden("sender is not a member of this room")
	}

	msg := model.Message{
		ID:        uuid.New().String(),
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Timestamp: s.now(),
	}
	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		return model.Message{}, storeError(err, "room")
	}
	msg.ReadBy = []string{}
	if _, err := s.store.AddReceipt(ctx, msg.ID, in.SenderID, msg.Timestamp); err != nil {
		logger.Warnf("messageSvc: sender receipt message=%s: %v", msg.ID, err)
	} else {
		msg.ReadBy = []string{in.SenderID}
	}
	if sender, found := lo.Find(view.Members, func(u model.UserPublic) bool { return u.ID == in.SenderID }); found {
		msg.Sender = &sender
	}

	memberIDs := view.MemberIDs()
	s.cache.Remove(ctx, cache.Key(cache.FamilyRoomMessages, in.RoomID))
	s.cache.Remove(ctx, cache.Key(cache.FamilyRoomByID, in.RoomID))
	s.rooms.invalidateUserRooms(ctx, memberIDs)

	s.hub.Broadcast(in.RoomID, ws.EventMessageReceived, msg)
	s.notifyOffline(view, msg)
	return msg, nil
}

// notifyOffline pushes to members other than the sender that hold no live connection.
func (s *MessageService) notifyOffline(view model.RoomView, msg model.Message) {
	if s.push == nil || s.presence == nil {
		return
	}
	title := view.Name
	if msg.Sender != nil && (title == "" || !view.IsGroup) {
		title = msg.Sender.Username
	}
	body := msg.Content
	if r := []rune(body); len(r) > pushPreviewLen {
		body = string(r[:pushPreviewLen]) + "…"
	}
	data := map[string]string{"room_id": msg.RoomID, "message_id": msg.ID}
	for _, id := range view.MemberIDs() {
		if id == msg.SenderID || s.presence.IsOnline(id) {
			continue
		}
		select {
		case s.pushJobs <- pushJob{userID: id, title: title, body: body, data: data}:
		default:
			logger.Warnf("messageSvc: push queue full, dropping user=%s message=%s", id, msg.ID)
		}
	}
}

// RunPush delivers queued push notifications with a fixed number of workers until ctx
// is cancelled. Without it notifications queue up and are dropped once the queue is full.
func (s *MessageService) RunPush(ctx context.Context, workers int) {
	if s.push == nil {
		return
	}
	if workers <= 0 {
		workers = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job := <-s.pushJobs:
					s.push.Notify(gctx, job.userID, job.title, job.body, job.data)
				}
			}
		})
	}
	_ = g.Wait()
}

// GetMessages returns the room's visible messages oldest first; cache-first.
func (s *MessageService) GetMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	if err := validateID(roomID, "room id"); err != nil {
		return nil, err
	}
	key := cache.Key(cache.FamilyRoomMessages, roomID)
	var msgs []model.Message
	if s.cache.TryGet(ctx, key, &msgs) {
		return msgs, nil
	}
	stamp := s.cache.Stamp(key)
	if err := s.rooms.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, roomID)
	if err != nil {
		return nil, storeError(err, "messages")
	}
	s.cache.SetIfFresh(ctx, key, stamp, msgs, s.ttl.For(cache.FamilyRoomMessages))
	return msgs, nil
}

// EditMessage replaces the content of a visible message; only its sender may edit.
func (s *MessageService) EditMessage(ctx context.Context, editorID, messageID, content string) (model.Message, error) {
	defer logger.DeferLogDuration("messageSvc.EditMessage", time.Now())()
	if err := validateID(messageID, "message id"); err != nil {
		return model.Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, invalid("content is required")
	}
	if len(content) > maxContentLen {
		return model.Message{}, invalid("content is too long")
	}
	orig, err := s.visibleMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if orig.SenderID != editorID {
		return model.Message{}, forbidden("only the sender can edit a message")
	}
	updated, err := s.store.EditMessage(ctx, messageID, content)
	if err != nil {
		return model.Message{}, storeError(err, "message")
	}
	s.afterMessageChange(ctx, updated.RoomID)
	s.hub.Broadcast(updated.RoomID, ws.EventMessageEdited, updated)
	return *updated, nil
}

// DeleteMessage soft-deletes a message; only its sender may delete. Deleting twice is a no-op.
func (s *MessageService) DeleteMessage(ctx context.Context, actorID, messageID string) error {
	defer logger.DeferLogDuration("messageSvc.DeleteMessage", time.Now())()
	if err := validateID(messageID, "message id"); err != nil {
		return err
	}
	orig, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return storeError(err, "message")
	}
	if orig.SenderID != actorID {
		return forbidden("only the sender can delete a message")
	}
	if orig.IsDeleted {
		return nil
	}
	if err := s.store.SoftDeleteMessage(ctx, messageID); err != nil {
		return storeError(err, "message")
	}
	s.afterMessageChange(ctx, orig.RoomID)
	s.hub.Broadcast(orig.RoomID, ws.EventMessageDeleted, ws.MessageDeletedPayload{MessageID: messageID, RoomID: orig.RoomID})
	return nil
}

// MarkMessageRead records one receipt; it reports false when the receipt already existed.
func (s *MessageService) MarkMessageRead(ctx context.Context, messageID, userID string) (bool, error) {
	if err := validateID(messageID, "message id"); err != nil {
		return false, err
	}
	if err := validateID(userID, "user id"); err != nil {
		return false, err
	}
	msg, err := s.visibleMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	ok, err := s.store.IsMember(ctx, msg.RoomID, userID)
	if err != nil {
		return false, storeError(err, "membership")
	}
	if !ok {
		return false, forbidden("not a member of this room")
	}
	added, err := s.store.AddReceipt(ctx, messageID, userID, s.now())
	if err != nil {
		return false, storeError(err, "message")
	}
	if added {
		s.cache.Remove(ctx, cache.Key(cache.FamilyRoomMessages, msg.RoomID))
		s.hub.Broadcast(msg.RoomID, ws.EventMessagesRead, ws.MessagesReadPayload{
			RoomID: msg.RoomID, UserID: userID, MessageID: messageID,
		})
	}
	return added, nil
}

// RoomOf returns the room of a visible message.
func (s *MessageService) RoomOf(ctx context.Context, messageID string) (string, error) {
	if err := validateID(messageID, "message id"); err != nil {
		return "", err
	}
	msg, err := s.visibleMessage(ctx, messageID)
	if err != nil {
		return "", err
	}
	return msg.RoomID, nil
}

func (s *MessageService) visibleMessage(ctx context.Context, messageID string) (*model.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeError(err, "message")
	}
	if msg.IsDeleted {
		return nil, notFound("message not found")
	}
	return msg, nil
}

// afterMessageChange drops the message list and the previews that may show the last message.
func (s *MessageService) afterMessageChange(ctx context.Context, roomID string) {
	s.cache.Remove(ctx, cache.Key(cache.FamilyRoomMessages, roomID))
	s.rooms.invalidateRoomMembersRooms(ctx, roomID)
}
