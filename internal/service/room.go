package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/spagchat/internal/cache"
	"github.com/spagchat/internal/logger"
	"github.com/spagchat/internal/model"
	"github.com/spagchat/internal/repository"
	"github.com/spagchat/internal/ws"
)

// Policy holds the configurable room validation rules.
type Policy struct {
	// MinGroupMembers is the minimum member count for a new group; values <= 1 disable the check.
	MinGroupMembers int
}

type RoomService struct {
	store    repository.Store
	rooms    repository.RoomStore
	messages repository.MessageStore
	users    repository.UserStore
	cache    *cache.Guard
	ttl      cache.TTLPolicy
	hub      Broadcaster
	policy   Policy
	now      func() time.Time
}

func NewRoomService(store repository.Store, c cache.Cache, hub Broadcaster, policy Policy, ttl cache.TTLPolicy) *RoomService {
	if hub == nil {
		hub = nopBroadcaster{}
	}
	if ttl.Short <= 0 || ttl.Long <= 0 {
		ttl = cache.DefaultTTL
	}
	return &RoomService{
		store:    store,
		rooms:    store,
		messages: store,
		users:    store,
		cache:    cache.NewGuard(c),
		ttl:      ttl,
		hub:      hub,
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateRoomInput struct {
	Name      string   `validate:"max=200"`
	IsGroup   bool
	MemberIDs []string `validate:"required,min=1,dive,uuid"`
}

// CreateRoom creates a group room, or finds-or-creates the private room of a pair.
// The returned view excludes callerID from the member list.
func (s *RoomService) CreateRoom(ctx context.Context, callerID string, in CreateRoomInput) (model.RoomView, error) {
	defer logger.DeferLogDuration("roomSvc.CreateRoom", time.Now())()
	in.Name = strings.TrimSpace(in.Name)
	in.MemberIDs = lo.Uniq(in.MemberIDs)
	if err := validateStruct(in); err != nil {
		return model.RoomView{}, err
	}
	if !in.IsGroup {
		return s.FindOrCreatePrivateRoom(ctx, callerID, in.MemberIDs)
	}
	if in.Name == "" {
		return model.RoomView{}, invalid("group room requires a name")
	}
	if s.policy.MinGroupMembers > 1 && len(in.MemberIDs) < s.policy.MinGroupMembers {
		return model.RoomView{}, invalid("group room requires at least %d members", s.policy.MinGroupMembers)
	}

	room := &model.Room{ID: uuid.New().String(), Name: in.Name, IsGroup: true, CreatedAt: s.now()}
	if err := s.rooms.CreateRoom(ctx, room, in.MemberIDs); err != nil {
		return model.RoomView{}, storeError(err, "user")
	}
	view, err := s.afterCreate(ctx, room, in.MemberIDs)
	if err != nil {
		return model.RoomView{}, err
	}
	return view.WithoutUser(callerID), nil
}

// FindPrivateRoom looks the pair's private room up without creating it.
func (s *RoomService) FindPrivateRoom(ctx context.Context, callerID string, memberIDs []string) (model.RoomView, error) {
	pair, err := privatePair(memberIDs)
	if err != nil {
		return model.RoomView{}, err
	}
	room, err := s.rooms.FindPrivateRoom(ctx, pair[0], pair[1])
	if err != nil {
		return model.RoomView{}, storeError(err, "private room")
	}
	view, err := s.loadRoom(ctx, room.ID)
	if err != nil {
		return model.RoomView{}, err
	}
	return view.WithoutUser(callerID), nil
}

// FindOrCreatePrivateRoom returns the pair's private room, creating it when absent.
// Calling it with the pair in either order yields the same room.
func (s *RoomService) FindOrCreatePrivateRoom(ctx context.Context, callerID string, memberIDs []string) (model.RoomView, error) {
	defer logger.DeferLogDuration("roomSvc.FindOrCreatePrivateRoom", time.Now())()
	pair, err := privatePair(memberIDs)
	if err != nil {
		return model.RoomView{}, err
	}
	existing, err := s.rooms.FindPrivateRoom(ctx, pair[0], pair[1])
	if err == nil {
		view, err := s.loadRoom(ctx, existing.ID)
		if err != nil {
			return model.RoomView{}, err
		}
		return view.WithoutUser(callerID), nil
	}
	if KindOf(storeError(err, "")) != KindNotFound {
		return model.RoomView{}, storeError(err, "private room")
	}

	room := &model.Room{ID: uuid.New().String(), IsGroup: false, CreatedAt: s.now()}
	if err := s.rooms.CreateRoom(ctx, room, pair); err != nil {
		if KindOf(storeError(err, "")) == KindConflict {
			// lost the race against a concurrent create for the same pair
			return s.FindPrivateRoom(ctx, callerID, pair)
		}
		return model.RoomView{}, storeError(err, "user")
	}
	view, err := s.afterCreate(ctx, room, pair)
	if err != nil {
		return model.RoomView{}, err
	}
	return view.WithoutUser(callerID), nil
}

func privatePair(memberIDs []string) ([]string, error) {
	ids := lo.Uniq(memberIDs)
	if len(ids) != 2 {
		return nil, invalid("private room requires exactly 2 distinct members")
	}
	for _, id := range ids {
		if err := validateID(id, "member id"); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *RoomService) afterCreate(ctx context.Context, room *model.Room, memberIDs []string) (model.RoomView, error) {
	s.cache.RemoveFamily(ctx, cache.FamilyRoomByName)
	s.invalidateUserRooms(ctx, memberIDs)

	view, err := s.loadRoom(ctx, room.ID)
	if err != nil {
		return model.RoomView{}, err
	}
	for _, id := range memberIDs {
		s.hub.JoinUser(id, room.ID)
	}
	s.hub.SendToUsers(memberIDs, ws.EventRoomCreated, view)
	logger.Infof("room created id=%s group=%t members=%d", room.ID, room.IsGroup, len(memberIDs))
	return view, nil
}

// GetRoomByID is a cache-first read; the member list excludes callerID.
func (s *RoomService) GetRoomByID(ctx context.Context, callerID, roomID string) (model.RoomView, error) {
	if err := validateID(roomID, "room id"); err != nil {
		return model.RoomView{}, err
	}
	view, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return model.RoomView{}, err
	}
	return view.WithoutUser(callerID), nil
}

// GetRoomByName is a cache-first read of the group room with that name.
func (s *RoomService) GetRoomByName(ctx context.Context, callerID, name string) (model.RoomView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.RoomView{}, invalid("room name is required")
	}
	key := cache.Key(cache.FamilyRoomByName, name)
	var view model.RoomView
	if s.cache.TryGet(ctx, key, &view) {
		return view.WithoutUser(callerID), nil
	}
	stamp := s.cache.Stamp(key)
	room, err := s.rooms.GetRoomByName(ctx, name)
	if err != nil {
		return model.RoomView{}, storeError(err, "room")
	}
	view, err = s.buildView(ctx, room)
	if err != nil {
		return model.RoomView{}, err
	}
	s.cache.SetIfFresh(ctx, key, stamp, view, s.ttl.For(cache.FamilyRoomByName))
	return view.WithoutUser(callerID), nil
}

// RoomsForUser returns previews sorted by latest message, rooms without messages last.
// Member lists exclude userID; private rooms carry the other participant as PreviewUser.
func (s *RoomService) RoomsForUser(ctx context.Context, userID string) ([]model.RoomPreview, error) {
	if err := validateID(userID, "user id"); err != nil {
		return nil, err
	}
	key := cache.Key(cache.FamilyRoomsForUser, userID)
	var previews []model.RoomPreview
	if !s.cache.TryGet(ctx, key, &previews) {
		stamp := s.cache.Stamp(key)
		var err error
		previews, err = s.rooms.ListRoomsForUser(ctx, userID)
		if err != nil {
			return nil, storeError(err, "rooms")
		}
		sortPreviews(previews)
		s.cache.SetIfFresh(ctx, key, stamp, previews, s.ttl.For(cache.FamilyRoomsForUser))
	}
	out := make([]model.RoomPreview, 0, len(previews))
	for _, p := range previews {
		others := lo.Filter(p.Members, func(u model.UserPublic, _ int) bool { return u.ID != userID })
		p.Members = others
		if !p.IsGroup && len(others) > 0 {
			other := others[0]
			p.PreviewUser = &other
		}
		out = append(out, p)
	}
	return out, nil
}

// sortPreviews orders by last message timestamp descending; ties keep their relative order.
func sortPreviews(previews []model.RoomPreview) {
	sort.SliceStable(previews, func(i, j int) bool {
		a, b := previews[i].LastMessageTimestamp, previews[j].LastMessageTimestamp
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
}

// RoomIDsForUser reads memberships past the cache.
func (s *RoomService) RoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.rooms.ListRoomIDsForUser(ctx, userID)
	if err != nil {
		return nil, storeError(err, "rooms")
	}
	return ids, nil
}

func (s *RoomService) RoomsUserIsNotIn(ctx context.Context, userID string) ([]model.Room, error) {
	if err := validateID(userID, "user id"); err != nil {
		return nil, err
	}
	rooms, err := s.rooms.ListRoomsUserIsNotIn(ctx, userID)
	if err != nil {
		return nil, storeError(err, "rooms")
	}
	return rooms, nil
}

func (s *RoomService) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if err := validateID(roomID, "room id"); err != nil {
		return false, err
	}
	ok, err := s.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return false, storeError(err, "room")
	}
	return ok, nil
}

// Members is a cache-first read of the room's member list.
func (s *RoomService) Members(ctx context.Context, roomID string) ([]model.UserPublic, error) {
	if err := validateID(roomID, "room id"); err != nil {
		return nil, err
	}
	key := cache.Key(cache.FamilyRoomMembers, roomID)
	var members []model.UserPublic
	if s.cache.TryGet(ctx, key, &members) {
		return members, nil
	}
	stamp := s.cache.Stamp(key)
	if err := s.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}
	members, err := s.rooms.ListMembers(ctx, roomID)
	if err != nil {
		return nil, storeError(err, "members")
	}
	s.cache.SetIfFresh(ctx, key, stamp, members, s.ttl.For(cache.FamilyRoomMembers))
	return members, nil
}

// UsersWithoutPrivateRoom lists users the caller has no private room with yet.
func (s *RoomService) UsersWithoutPrivateRoom(ctx context.Context, userID string) ([]model.UserPublic, error) {
	if err := validateID(userID, "user id"); err != nil {
		return nil, err
	}
	users, err := s.users.ListUsersWithoutPrivateRoom(ctx, userID)
	if err != nil {
		return nil, storeError(err, "users")
	}
	return publicUsers(users), nil
}

// UpdateRoomName renames a group room. expectedVersion 0 means the version just read.
func (s *RoomService) UpdateRoomName(ctx context.Context, roomID, newName string, expectedVersion int64) (model.Room, error) {
	defer logger.DeferLogDuration("roomSvc.UpdateRoomName", time.Now())()
	if err := validateID(roomID, "room id"); err != nil {
		return model.Room{}, err
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return model.Room{}, invalid("room name is required")
	}
	if len(newName) > 200 {
		return model.Room{}, invalid("room name is too long")
	}
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return model.Room{}, storeError(err, "room")
	}
	if !room.IsGroup {
		return model.Room{}, invalid("private rooms cannot be renamed")
	}
	if expectedVersion == 0 {
		expectedVersion = room.Version
	}
	updated, err := s.rooms.UpdateRoomName(ctx, roomID, newName, expectedVersion)
	if err != nil {
		return model.Room{}, storeError(err, "room")
	}

	s.cache.RemoveFamily(ctx, cache.FamilyRoomByName)
	s.cache.Remove(ctx, cache.Key(cache.FamilyRoomByID, roomID))
	s.invalidateRoomMembersRooms(ctx, roomID)

	s.hub.Broadcast(roomID, ws.EventRoomRenamed, ws.RoomRenamedPayload{RoomID: roomID, Name: updated.Name, Version: updated.Version})
	return *updated, nil
}

// DeleteRoom removes the room with its memberships and messages.
func (s *RoomService) DeleteRoom(ctx context.Context, roomID string) error {
	defer logger.DeferLogDuration("roomSvc.DeleteRoom", time.Now())()
	if err := validateID(roomID, "room id"); err != nil {
		return err
	}
	memberIDs, err := s.rooms.ListMemberIDs(ctx, roomID)
	if err != nil {
		return storeError(err, "room")
	}
	if err := s.rooms.DeleteRoom(ctx, roomID); err != nil {
		return storeError(err, "room")
	}

	s.cache.Remove(ctx, cache.Key(cache.FamilyRoomByID, roomID))
	s.cache.RemoveFamily(ctx, cache.FamilyRoomByName)
	s.cache.Remove(ctx, cache.Key(cache.FamilyRoomMembers, roomID))
	s.cache.Remove(ctx, cache.Key(cache.FamilyRoomMessages, roomID))
	s.invalidateUserRooms(ctx, memberIDs)

	s.hub.SendToUsers(memberIDs, ws.EventRoomDeleted, ws.RoomPayload{RoomID: roomID})
	s.hub.CloseRoom(roomID)
	logger.Infof("room deleted id=%s members=%d", roomID, len(memberIDs))
	return nil
}

// AddMembers adds users to a group room; already-present users are a conflict.
func (s *RoomService) AddMembers(ctx context.Context, roomID string, userIDs []string) (model.RoomView, error) {
	defer logger.DeferLogDuration("roomSvc.AddMembers", time.Now())()
	if err := validateID(roomID, "room id"); err != nil {
		return model.RoomView{}, err
	}
	userIDs = lo.Uniq(userIDs)
	if err := validate.Var(userIDs, "required,min=1,dive,uuid"); err != nil {
		return model.RoomView{}, invalid("user_ids must be a non-empty list of UUIDs")
	}
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return model.RoomView{}, storeError(err, "room")
	}
	if !room.IsGroup {
		return model.RoomView{}, conflict("members of a private room are fixed")
	}
	current, err := s.rooms.ListMemberIDs(ctx, roomID)
	if err != nil {
		return model.RoomView{}, storeError(err, "members")
	}
	if dup := lo.Intersect(current, userIDs); len(dup) > 0 {
		return model.RoomView{}, conflict("user %s is already a member", dup[0])
	}
	if _, err := s.rooms.AddMembers(ctx, roomID, userIDs, room.Version); err != nil {
		return model.RoomView{}, storeError(err, "room")
	}

	s.invalidateMembership(ctx, room, append(current, userIDs...))
	for _, id := range userIDs {
		s.hub.JoinUser(id, roomID)
	}
	s.hub.Broadcast(roomID, ws.EventMembershipChanged, ws.MembershipChangedPayload{
		RoomID: roomID, Action: model.MembershipAdded, UserIDs: userIDs,
	})
	return s.loadRoom(ctx, roomID)
}

// RemoveMember removes one user from a group room.
func (s *RoomService) RemoveMember(ctx context.Context, roomID, userID string) (model.RoomView, error) {
	defer logger.DeferLogDuration("roomSvc.RemoveMember", time.Now())()
	if err := validateID(roomID, "room id"); err != nil {
		return model.RoomView{}, err
	}
	if err := validateID(userID, "user id"); err != nil {
		return model.RoomView{}, err
	}
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return model.RoomView{}, storeError(err, "room")
	}
	if !room.IsGroup {
		return model.RoomView{}, conflict("members of a private room are fixed")
	}
	current, err := s.rooms.ListMemberIDs(ctx, roomID)
	if err != nil {
		return model.RoomView{}, storeError(err, "members")
	}
	if !lo.Contains(current, userID) {
		return model.RoomView{}, notFound("user is not a member of this room")
	}
	if len(current) == 1 {
		return model.RoomView{}, invalid("cannot remove the last member of a group room")
	}
	if _, err := s.rooms.RemoveMember(ctx, roomID, userID, room.Version); err != nil {
		return model.RoomView{}, storeError(err, "membership")
	}

	s.invalidateMembership(ctx, room, current)
	s.hub.Broadcast(roomID, ws.EventMembershipChanged, ws.MembershipChangedPayload{
		RoomID: roomID, Action: model.MembershipRemoved, UserIDs: []string{userID},
	})
	s.hub.LeaveUser(userID, roomID)
	return s.loadRoom(ctx, roomID)
}

// UnreadCount counts visible messages from others that userID has not read.
func (s *RoomService) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	if err := s.requireRoomAndUser(ctx, roomID, userID); err != nil {
		return 0, err
	}
	n, err := s.messages.CountUnread(ctx, roomID, userID)
	if err != nil {
		return 0, storeError(err, "messages")
	}
	return n, nil
}

// MarkAsRead records receipts for every visible message in the room. Repeating it adds nothing.
func (s *RoomService) MarkAsRead(ctx context.Context, roomID, userID string) (int, error) {
	if err := s.requireRoomAndUser(ctx, roomID, userID); err != nil {
		return 0, err
	}
	n, err := s.messages.MarkRoomRead(ctx, roomID, userID, s.now())
	if err != nil {
		return 0, storeError(err, "messages")
	}
	if n > 0 {
		s.cache.Remove(ctx, cache.Key(cache.FamilyRoomMessages, roomID))
		s.hub.Broadcast(roomID, ws.EventMessagesRead, ws.MessagesReadPayload{RoomID: roomID, UserID: userID})
	}
	return n, nil
}

// IsMember reads membership past the cache.
func (s *RoomService) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	ok, err := s.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return false, storeError(err, "membership")
	}
	return ok, nil
}

// RequireMember fails with not_found for a missing room and forbidden for a non-member.
func (s *RoomService) RequireMember(ctx context.Context, roomID, userID string) error {
	if err := validateID(roomID, "room id"); err != nil {
		return err
	}
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}
	ok, err := s.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden("not a member of this room")
	}
	return nil
}

func (s *RoomService) requireRoom(ctx context.Context, roomID string) error {
	ok, err := s.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return storeError(err, "room")
	}
	if !ok {
		return notFound("room not found")
	}
	return nil
}

func (s *RoomService) requireRoomAndUser(ctx context.Context, roomID, userID string) error {
	if err := validateID(roomID, "room id"); err != nil {
		return err
	}
	if err := validateID(userID, "user id"); err != nil {
		return err
	}
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return storeError(err, "user")
	}
	return nil
}

// loadRoom is the cache-first room_by_id read; the cached view holds every member.
func (s *RoomService) loadRoom(ctx context.Context, roomID string) (model.RoomView, error) {
	key := cache.Key(cache.FamilyRoomByID, roomID)
	var view model.RoomView
	if s.cache.TryGet(ctx, key, &view) {
		return view, nil
	}
	stamp := s.cache.Stamp(key)
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return model.RoomView{}, storeError(err, "room")
	}
	view, err = s.buildView(ctx, room)
	if err != nil {
		return model.RoomView{}, err
	}
	s.cache.SetIfFresh(ctx, key, stamp, view, s.ttl.For(cache.FamilyRoomByID))
	return view, nil
}

func (s *RoomService) buildView(ctx context.Context, room *model.Room) (model.RoomView, error) {
	members, err := s.rooms.ListMembers(ctx, room.ID)
	if err != nil {
		return model.RoomView{}, storeError(err, "members")
	}
	return model.RoomView{Room: *room, Members: members}, nil
}

// invalidateMembership evicts every view that embeds the room's member list.
func (s *RoomService) invalidateMembership(ctx context.Context, room *model.Room, affected []string) {
	s.cache.Remove(ctx, cache.Key(cache.FamilyRoomMembers, room.ID))
	s.cache.Remove(ctx, cache.Key(cache.FamilyRoomByID, room.ID))
	if room.Name != "" {
		s.cache.Remove(ctx, cache.Key(cache.FamilyRoomByName, room.Name))
	}
	s.invalidateUserRooms(ctx, affected)
}

// invalidateRoomMembersRooms evicts rooms_for_user for every current member, or the whole
// family when the member list cannot be read.
func (s *RoomService) invalidateRoomMembersRooms(ctx context.Context, roomID string) {
	ids, err := s.rooms.ListMemberIDs(ctx, roomID)
	if err != nil {
		logger.Warnf("roomSvc: member ids room=%s: %v (dropping all room lists)", roomID, err)
		s.cache.RemoveFamily(ctx, cache.FamilyRoomsForUser)
		return
	}
	s.invalidateUserRooms(ctx, ids)
}

func (s *RoomService) invalidateUserRooms(ctx context.Context, userIDs []string) {
	for _, id := range lo.Uniq(userIDs) {
		s.cache.Remove(ctx, cache.Key(cache.FamilyRoomsForUser, id))
	}
}
