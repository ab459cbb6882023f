package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/spagchat/internal/logger"
	"github.com/spagchat/internal/model"
	"github.com/spagchat/internal/usertoken"
)

type TokenVerifier interface {
	Verify(token string) (usertoken.Identity, error)
}

// UserMirror сохраняет локальную копию профиля из токена (нужна для внешних ключей участников).
type UserMirror interface {
	EnsureUser(ctx context.Context, u *model.User) error
}

// RequireUser проверяет access-токен из Authorization: Bearer или ?token= (для websocket)
// и кладёт user_id в контекст. Профиль зеркалируется при первом запросе и при его изменении.
func RequireUser(v TokenVerifier, users UserMirror) func(http.Handler) http.Handler {
	var seen sync.Map // user_id -> model.User
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeUnauthorized(w)
				return
			}
			id, err := v.Verify(token)
			if err != nil {
				logger.Debugf("auth: token=%s rejected: %v", MaskToken(token), err)
				writeUnauthorized(w)
				return
			}
			u := model.User{ID: id.UserID, Username: id.Username, AvatarURL: id.AvatarURL}
			if prev, ok := seen.Load(u.ID); !ok || prev.(model.User) != u {
				if err := users.EnsureUser(r.Context(), &u); err != nil {
					logger.Errorf("auth: mirror user=%s: %v", u.ID, err)
					http.Error(w, `{"error":"user store unavailable"}`, http.StatusServiceUnavailable)
					return
				}
				seen.Store(u.ID, u)
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), u.ID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
