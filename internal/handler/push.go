package handler

import (
	"errors"
	"net/http"

	"github.com/spagchat/internal/logger"
	"github.com/spagchat/internal/middleware"
	"github.com/spagchat/internal/push"
)

// PushHandler обрабатывает подписку на пуш-уведомления текущего пользователя.
type PushHandler struct {
	store *push.Store
}

func NewPushHandler(store *push.Store) *PushHandler {
	return &PushHandler{store: store}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.store.Subscribe(r.Context(), middleware.GetUserID(r.Context()), req.Subscription)
	if errors.Is(err, push.ErrInvalidSubscription) {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err != nil {
		logger.Errorf("push subscribe: %v", err)
		writeError(w, http.StatusServiceUnavailable, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.store.Unsubscribe(r.Context(), middleware.GetUserID(r.Context()), req.Endpoint)
	if errors.Is(err, push.ErrInvalidSubscription) {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err != nil {
		logger.Errorf("push unsubscribe: %v", err)
		writeError(w, http.StatusServiceUnavailable, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
