package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spagchat/internal/middleware"
	"github.com/spagchat/internal/service"
)

type MessageHandler struct {
	rooms *service.RoomService
	msgs  *service.MessageService
}

func NewMessageHandler(rooms *service.RoomService, msgs *service.MessageService) *MessageHandler {
	return &MessageHandler{rooms: rooms, msgs: msgs}
}

type MessageContentRequest struct {
	Content string `json:"content"`
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if err := h.rooms.RequireMember(r.Context(), roomID, middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	msgs, err := h.msgs.GetMessages(r.Context(), roomID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req MessageContentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.msgs.SendMessage(r.Context(), service.SendMessageInput{
		RoomID:   chi.URLParam(r, "id"),
		SenderID: middleware.GetUserID(r.Context()),
		Content:  req.Content,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req MessageContentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.msgs.EditMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.msgs.DeleteMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	added, err := h.msgs.MarkMessageRead(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}
