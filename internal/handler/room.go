package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spagchat/internal/middleware"
	"github.com/spagchat/internal/service"
)

// RoomSubscriptions — индекс подписчиков комнаты (ws.Hub).
type RoomSubscriptions interface {
	RoomUsers(roomID string) []string
	RoomConnections(roomID string) []string
}

type RoomHandler struct {
	rooms *service.RoomService
	subs  RoomSubscriptions
}

func NewRoomHandler(rooms *service.RoomService, subs RoomSubscriptions) *RoomHandler {
	return &RoomHandler{rooms: rooms, subs: subs}
}

type RoomOnlineResponse struct {
	RoomID      string   `json:"room_id"`
	UserIDs     []string `json:"user_ids"`
	Connections int      `json:"connections"`
}

type CreateRoomRequest struct {
	Name      string   `json:"name"`
	IsGroup   bool     `json:"is_group"`
	MemberIDs []string `json:"member_ids"`
}

type PrivateRoomRequest struct {
	UserID string `json:"user_id"`
}

type RenameRoomRequest struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

type AddMembersRequest struct {
	UserIDs []string `json:"user_ids"`
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := h.rooms.CreateRoom(r.Context(), middleware.GetUserID(r.Context()), service.CreateRoomInput{
		Name: req.Name, IsGroup: req.IsGroup, MemberIDs: req.MemberIDs,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	previews, err := h.rooms.RoomsForUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previews)
}

// FindPrivate ищет личную комнату с ?user_id= без создания.
func (h *RoomHandler) FindPrivate(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetUserID(r.Context())
	view, err := h.rooms.FindPrivateRoom(r.Context(), caller, []string{caller, r.URL.Query().Get("user_id")})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *RoomHandler) FindOrCreatePrivate(w http.ResponseWriter, r *http.Request) {
	var req PrivateRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	caller := middleware.GetUserID(r.Context())
	view, err := h.rooms.FindOrCreatePrivateRoom(r.Context(), caller, []string{caller, req.UserID})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *RoomHandler) GetByName(w http.ResponseWriter, r *http.Request) {
	view, err := h.rooms.GetRoomByName(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *RoomHandler) NotIn(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.RoomsUserIsNotIn(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.member(w, r)
	if !ok {
		return
	}
	view, err := h.rooms.GetRoomByID(r.Context(), middleware.GetUserID(r.Context()), roomID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *RoomHandler) Exists(w http.ResponseWriter, r *http.Request) {
	ok, err := h.rooms.RoomExists(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (h *RoomHandler) Rename(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.member(w, r)
	if !ok {
		return
	}
	var req RenameRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	room, err := h.rooms.UpdateRoomName(r.Context(), roomID, req.Name, req.Version)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.member(w, r)
	if !ok {
		return
	}
	if err := h.rooms.DeleteRoom(r.Context(), roomID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) Members(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.member(w, r)
	if !ok {
		return
	}
	members, err := h.rooms.Members(r.Context(), roomID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *RoomHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.member(w, r)
	if !ok {
		return
	}
	var req AddMembersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := h.rooms.AddMembers(r.Context(), roomID, req.UserIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.WithoutUser(middleware.GetUserID(r.Context())))
}

func (h *RoomHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.member(w, r)
	if !ok {
		return
	}
	view, err := h.rooms.RemoveMember(r.Context(), roomID, chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.WithoutUser(middleware.GetUserID(r.Context())))
}

func (h *RoomHandler) Unread(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.member(w, r)
	if !ok {
		return
	}
	n, err := h.rooms.UnreadCount(r.Context(), roomID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (h *RoomHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.member(w, r)
	if !ok {
		return
	}
	n, err := h.rooms.MarkAsRead(r.Context(), roomID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

// member проверяет, что вызывающий состоит в комнате {id}.
// Online — участники комнаты, подписанные на неё хотя бы одним соединением.
func (h *RoomHandler) Online(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.member(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RoomOnlineResponse{
		RoomID:      roomID,
		UserIDs:     h.subs.RoomUsers(roomID),
		Connections: len(h.subs.RoomConnections(roomID)),
	})
}

func (h *RoomHandler) member(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomID := chi.URLParam(r, "id")
	if err := h.rooms.RequireMember(r.Context(), roomID, middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return "", false
	}
	return roomID, true
}
