package handler

import (
	"context"
	"net/http"
	"time"
)

// PushKeySource — публичный VAPID-ключ (push.Notifier); nil — пуши выключены.
type PushKeySource interface {
	Enabled() bool
	PublicKey() string
}

// ConfigHandler отдаёт публичные параметры конфигурации и health.
type ConfigHandler struct {
	push   PushKeySource
	checks map[string]func(ctx context.Context) error
}

func NewConfigHandler(push PushKeySource) *ConfigHandler {
	return &ConfigHandler{push: push, checks: map[string]func(ctx context.Context) error{}}
}

// AddCheck регистрирует проверку зависимости для /health.
func (h *ConfigHandler) AddCheck(name string, fn func(ctx context.Context) error) {
	h.checks[name] = fn
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.push == nil || !h.push.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.push.PublicKey(),
	})
}

// Health — 200, если все зависимости отвечают, иначе 503 со списком ошибок.
func (h *ConfigHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
