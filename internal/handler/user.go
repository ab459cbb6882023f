package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spagchat/internal/middleware"
	"github.com/spagchat/internal/service"
)

// OnlineLister — снимок онлайн-пользователей (presence.Registry).
type OnlineLister interface {
	Online() []string
}

// ConnectionIndex — индексы подписок хаба (ws.Hub).
type ConnectionIndex interface {
	UserConnections(userID string) []string
	ConnectionRooms(connID string) []string
}

type UserHandler struct {
	users    *service.UserService
	rooms    *service.RoomService
	presence OnlineLister
	conns    ConnectionIndex
}

func NewUserHandler(users *service.UserService, rooms *service.RoomService, presence OnlineLister, conns ConnectionIndex) *UserHandler {
	return &UserHandler{users: users, rooms: rooms, presence: presence, conns: conns}
}

// List: ?ids=a,b — пакетное разрешение id, иначе первые ?limit= пользователей по имени.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("ids"); raw != "" {
		users, err := h.users.UsersByIDs(r.Context(), strings.Split(raw, ","))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, users)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}
	users, err := h.users.ListUsers(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) Online(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"user_ids": h.presence.Online()})
}

type ConnectionInfo struct {
	ConnID  string   `json:"conn_id"`
	RoomIDs []string `json:"room_ids"`
}

// MyConnections — живые соединения вызывающего и комнаты, на которые они подписаны.
func (h *UserHandler) MyConnections(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	out := make([]ConnectionInfo, 0, 2)
	for _, id := range h.conns.UserConnections(userID) {
		out = append(out, ConnectionInfo{ConnID: id, RoomIDs: h.conns.ConnectionRooms(id)})
	}
	writeJSON(w, http.StatusOK, out)
}

// WithoutPrivateRoom — пользователи, с которыми у вызывающего ещё нет личной комнаты.
func (h *UserHandler) WithoutPrivateRoom(w http.ResponseWriter, r *http.Request) {
	users, err := h.rooms.UsersWithoutPrivateRoom(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
