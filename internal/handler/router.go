package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/spagchat/internal/middleware"
)

// Routes — собранные обработчики и middleware для роутера API.
type Routes struct {
	Auth        func(http.Handler) http.Handler
	Rooms       *RoomHandler
	Messages    *MessageHandler
	Users       *UserHandler
	Push        *PushHandler // nil — подписки недоступны (нет Redis)
	Config      *ConfigHandler
	WS          *WSHandler
	CORSOrigins string
	RateIP      int
	RateUser    int
}

func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLog)
	r.Use(middleware.RecoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(rt.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", rt.Config.Health)
	r.Get("/api/config/push", rt.Config.GetPushConfig)

	r.Group(func(r chi.Router) {
		r.Use(rt.Auth)
		r.Use(middleware.RateLimit(rt.RateIP, rt.RateUser))

		r.Route("/api/rooms", func(r chi.Router) {
			r.Post("/", rt.Rooms.Create)
			r.Get("/", rt.Rooms.List)
			r.Get("/private", rt.Rooms.FindPrivate)
			r.Post("/private", rt.Rooms.FindOrCreatePrivate)
			r.Get("/by-name/{name}", rt.Rooms.GetByName)
			r.Get("/not-in", rt.Rooms.NotIn)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", rt.Rooms.Get)
				r.Delete("/", rt.Rooms.Delete)
				r.Get("/exists", rt.Rooms.Exists)
				r.Patch("/name", rt.Rooms.Rename)
				r.Get("/members", rt.Rooms.Members)
				r.Get("/online", rt.Rooms.Online)
				r.Post("/members", rt.Rooms.AddMembers)
				r.Delete("/members/{userId}", rt.Rooms.RemoveMember)
				r.Get("/unread", rt.Rooms.Unread)
				r.Post("/read", rt.Rooms.MarkRead)
				r.Get("/messages", rt.Messages.List)
				r.Post("/messages", rt.Messages.Send)
			})
		})
		r.Put("/api/messages/{id}", rt.Messages.Edit)
		r.Delete("/api/messages/{id}", rt.Messages.Delete)
		r.Post("/api/messages/{id}/read", rt.Messages.MarkRead)
		r.Get("/api/users", rt.Users.List)
		r.Get("/api/users/online", rt.Users.Online)
		r.Get("/api/users/me/connections", rt.Users.MyConnections)
		r.Get("/api/users/without-private-room", rt.Users.WithoutPrivateRoom)
		r.Get("/api/users/{id}", rt.Users.Get)
		if rt.Push != nil {
			r.Post("/api/push/subscribe", rt.Push.Subscribe)
			r.Delete("/api/push/subscribe", rt.Push.Unsubscribe)
		}
		r.Get("/ws", rt.WS.ServeWS)
	})
	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
