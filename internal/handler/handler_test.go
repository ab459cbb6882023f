package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/spagchat/internal/cache"
	memcache "github.com/spagchat/internal/cache/memory"
	"github.com/spagchat/internal/middleware"
	"github.com/spagchat/internal/model"
	"github.com/spagchat/internal/presence"
	memstore "github.com/spagchat/internal/repository/memory"
	"github.com/spagchat/internal/service"
	"github.com/spagchat/internal/usertoken"
	"github.com/spagchat/internal/ws"
)

type apiEnv struct {
	t      *testing.T
	srv    *httptest.Server
	tokens map[string]string
	ids    map[string]string
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	store := memstore.New()
	hub := ws.NewHub(ws.Options{})
	rooms := service.NewRoomService(store, memcache.New(), hub, service.Policy{}, cache.DefaultTTL)
	reg := presence.NewRegistry(hub, rooms)
	hub.SetLifecycle(reg)
	hub.SetMembershipChecker(rooms)
	msgs := service.NewMessageService(rooms, reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: "handler-test"})
	require.NoError(t, err)

	router := NewRouter(Routes{
		Auth:        middleware.RequireUser(verifier, store),
		Rooms:       NewRoomHandler(rooms, hub),
		Messages:    NewMessageHandler(rooms, msgs),
		Users:       NewUserHandler(service.NewUserService(store), rooms, reg, hub),
		Config:      NewConfigHandler(nil),
		WS:          NewWSHandler(hub, "*"),
		CORSOrigins: "*",
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	env := &apiEnv{t: t, srv: srv, tokens: map[string]string{}, ids: map[string]string{}}
	for _, name := range []string{"alice", "bob", "carol"} {
		id := uuid.New().String()
		token, err := verifier.Issue(usertoken.Identity{UserID: id, Username: name}, time.Hour)
		require.NoError(t, err)
		env.ids[name] = id
		env.tokens[name] = token
		// первый запрос зеркалирует пользователя в хранилище
		env.do(name, http.MethodGet, "/api/rooms", nil, http.StatusOK, nil)
	}
	return env
}

func (e *apiEnv) do(user, method, path string, body any, wantStatus int, out any) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(e.t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		var er errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		require.Equal(e.t, wantStatus, resp.StatusCode, "%s %s: %+v", method, path, er)
	}
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func TestPublicRoutes(t *testing.T) {
	e := newAPI(t)
	var health map[string]string
	e.do("", http.MethodGet, "/health", nil, http.StatusOK, &health)
	require.Equal(t, "ok", health["status"])

	var pushCfg map[string]any
	e.do("", http.MethodGet, "/api/config/push", nil, http.StatusOK, &pushCfg)
	require.Equal(t, false, pushCfg["enabled"])

	e.do("", http.MethodGet, "/api/rooms", nil, http.StatusUnauthorized, nil)
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	e := newAPI(t)

	var team model.RoomView
	e.do("alice", http.MethodPost, "/api/rooms", CreateRoomRequest{
		Name: "Team", IsGroup: true, MemberIDs: []string{e.ids["alice"], e.ids["bob"]},
	}, http.StatusCreated, &team)
	require.Len(t, team.Members, 1)
	require.Equal(t, "bob", team.Members[0].Username)

	var previews []model.RoomPreview
	e.do("bob", http.MethodGet, "/api/rooms", nil, http.StatusOK, &previews)
	require.Len(t, previews, 1)

	e.do("carol", http.MethodGet, "/api/rooms/"+team.ID, nil, http.StatusForbidden, nil)
	e.do("alice", http.MethodGet, "/api/rooms/"+uuid.New().String(), nil, http.StatusNotFound, nil)
	e.do("alice", http.MethodGet, "/api/rooms/not-a-uuid", nil, http.StatusBadRequest, nil)

	var exists map[string]bool
	e.do("carol", http.MethodGet, "/api/rooms/"+team.ID+"/exists", nil, http.StatusOK, &exists)
	require.True(t, exists["exists"])

	var notIn []model.Room
	e.do("carol", http.MethodGet, "/api/rooms/not-in", nil, http.StatusOK, &notIn)
	require.Len(t, notIn, 1)

	var byName model.RoomView
	e.do("carol", http.MethodGet, "/api/rooms/by-name/Team", nil, http.StatusOK, &byName)
	require.Equal(t, team.ID, byName.ID)

	var renamed model.Room
	e.do("alice", http.MethodPatch, "/api/rooms/"+team.ID+"/name", RenameRoomRequest{Name: "Crew", Version: team.Version}, http.StatusOK, &renamed)
	require.Equal(t, "Crew", renamed.Name)
	e.do("alice", http.MethodPatch, "/api/rooms/"+team.ID+"/name", RenameRoomRequest{Name: "Again", Version: team.Version}, http.StatusConflict, nil)

	var withCarol model.RoomView
	e.do("alice", http.MethodPost, "/api/rooms/"+team.ID+"/members", AddMembersRequest{UserIDs: []string{e.ids["carol"]}}, http.StatusOK, &withCarol)
	require.Len(t, withCarol.Members, 2)
	e.do("alice", http.MethodPost, "/api/rooms/"+team.ID+"/members", AddMembersRequest{UserIDs: []string{e.ids["carol"]}}, http.StatusConflict, nil)

	var members []model.UserPublic
	e.do("carol", http.MethodGet, "/api/rooms/"+team.ID+"/members", nil, http.StatusOK, &members)
	require.Len(t, members, 3)

	e.do("alice", http.MethodDelete, "/api/rooms/"+team.ID+"/members/"+e.ids["carol"], nil, http.StatusOK, nil)
	e.do("carol", http.MethodGet, "/api/rooms/"+team.ID+"/members", nil, http.StatusForbidden, nil)

	e.do("bob", http.MethodDelete, "/api/rooms/"+team.ID, nil, http.StatusNoContent, nil)
	e.do("alice", http.MethodGet, "/api/rooms/"+team.ID, nil, http.StatusNotFound, nil)
}

func TestPrivateRoomOverHTTP(t *testing.T) {
	e := newAPI(t)
	e.do("alice", http.MethodGet, "/api/rooms/private?user_id="+e.ids["bob"], nil, http.StatusNotFound, nil)

	var created, found model.RoomView
	e.do("alice", http.MethodPost, "/api/rooms/private", PrivateRoomRequest{UserID: e.ids["bob"]}, http.StatusOK, &created)
	e.do("bob", http.MethodGet, "/api/rooms/private?user_id="+e.ids["alice"], nil, http.StatusOK, &found)
	require.Equal(t, created.ID, found.ID)
	require.Equal(t, "alice", found.Members[0].Username)

	e.do("alice", http.MethodPost, "/api/rooms/private", PrivateRoomRequest{UserID: e.ids["alice"]}, http.StatusBadRequest, nil)

	var without []model.UserPublic
	e.do("alice", http.MethodGet, "/api/users/without-private-room", nil, http.StatusOK, &without)
	require.Len(t, without, 1)
	require.Equal(t, "carol", without[0].Username)
}

func TestMessagesOverHTTP(t *testing.T) {
	e := newAPI(t)
	var team model.RoomView
	e.do("alice", http.MethodPost, "/api/rooms", CreateRoomRequest{
		Name: "Team", IsGroup: true, MemberIDs: []string{e.ids["alice"], e.ids["bob"]},
	}, http.StatusCreated, &team)
	base := "/api/rooms/" + team.ID

	var msg model.Message
	e.do("alice", http.MethodPost, base+"/messages", MessageContentRequest{Content: "hello"}, http.StatusCreated, &msg)
	require.Equal(t, "hello", msg.Content)
	e.do("carol", http.MethodPost, base+"/messages", MessageContentRequest{Content: "intruder"}, http.StatusForbidden, nil)
	e.do("alice", http.MethodPost, base+"/messages", MessageContentRequest{Content: ""}, http.StatusBadRequest, nil)

	var unread map[string]int
	e.do("bob", http.MethodGet, base+"/unread", nil, http.StatusOK, &unread)
	require.Equal(t, 1, unread["unread"])

	var added map[string]bool
	e.do("bob", http.MethodPost, "/api/messages/"+msg.ID+"/read", nil, http.StatusOK, &added)
	require.True(t, added["added"])
	e.do("bob", http.MethodPost, "/api/messages/"+msg.ID+"/read", nil, http.StatusOK, &added)
	require.False(t, added["added"])

	var marked map[string]int
	e.do("bob", http.MethodPost, base+"/read", nil, http.StatusOK, &marked)
	require.Zero(t, marked["marked"])

	e.do("bob", http.MethodPut, "/api/messages/"+msg.ID, MessageContentRequest{Content: "edited"}, http.StatusForbidden, nil)
	var edited model.Message
	e.do("alice", http.MethodPut, "/api/messages/"+msg.ID, MessageContentRequest{Content: "edited"}, http.StatusOK, &edited)
	require.True(t, edited.IsEdited)

	var list []model.Message
	e.do("bob", http.MethodGet, base+"/messages", nil, http.StatusOK, &list)
	require.Len(t, list, 1)
	require.Equal(t, "edited", list[0].Content)
	e.do("carol", http.MethodGet, base+"/messages", nil, http.StatusForbidden, nil)

	e.do("alice", http.MethodDelete, "/api/messages/"+msg.ID, nil, http.StatusNoContent, nil)
	e.do("alice", http.MethodDelete, "/api/messages/"+msg.ID, nil, http.StatusNoContent, nil)
	e.do("bob", http.MethodGet, base+"/messages", nil, http.StatusOK, &list)
	require.Empty(t, list)
}

func TestOnlineUsersEmptyWithoutSockets(t *testing.T) {
	e := newAPI(t)
	var online map[string][]string
	e.do("alice", http.MethodGet, "/api/users/online", nil, http.StatusOK, &online)
	require.Empty(t, online["user_ids"])
}

func TestUserDirectoryOverHTTP(t *testing.T) {
	e := newAPI(t)

	var bob model.UserPublic
	e.do("alice", http.MethodGet, "/api/users/"+e.ids["bob"], nil, http.StatusOK, &bob)
	require.Equal(t, "bob", bob.Username)
	e.do("alice", http.MethodGet, "/api/users/"+uuid.New().String(), nil, http.StatusNotFound, nil)
	e.do("alice", http.MethodGet, "/api/users/nope", nil, http.StatusBadRequest, nil)

	var all []model.UserPublic
	e.do("alice", http.MethodGet, "/api/users", nil, http.StatusOK, &all)
	require.Len(t, all, 3)
	e.do("alice", http.MethodGet, "/api/users?limit=2", nil, http.StatusOK, &all)
	require.Len(t, all, 2)
	require.Equal(t, "alice", all[0].Username)
	require.Equal(t, "bob", all[1].Username)
	e.do("alice", http.MethodGet, "/api/users?limit=-1", nil, http.StatusBadRequest, nil)
	e.do("alice", http.MethodGet, "/api/users?limit=x", nil, http.StatusBadRequest, nil)

	var batch []model.UserPublic
	e.do("alice", http.MethodGet, "/api/users?ids="+e.ids["carol"]+","+e.ids["bob"]+","+uuid.New().String(), nil, http.StatusOK, &batch)
	require.Len(t, batch, 2)
	require.Equal(t, "bob", batch[0].Username)
	e.do("alice", http.MethodGet, "/api/users?ids=bad", nil, http.StatusBadRequest, nil)
}

func TestRoomOnlineReflectsSocketSubscriptions(t *testing.T) {
	e := newAPI(t)
	var team model.RoomView
	e.do("alice", http.MethodPost, "/api/rooms", CreateRoomRequest{
		Name: "Team", IsGroup: true, MemberIDs: []string{e.ids["alice"], e.ids["bob"]},
	}, http.StatusCreated, &team)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + e.tokens["alice"]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// при подключении соединение подписывается на все комнаты пользователя
	var online RoomOnlineResponse
	require.Eventually(t, func() bool {
		e.do("bob", http.MethodGet, "/api/rooms/"+team.ID+"/online", nil, http.StatusOK, &online)
		return len(online.UserIDs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{e.ids["alice"]}, online.UserIDs)
	require.Equal(t, 1, online.Connections)

	var conns []ConnectionInfo
	e.do("alice", http.MethodGet, "/api/users/me/connections", nil, http.StatusOK, &conns)
	require.Len(t, conns, 1)
	require.Equal(t, []string{team.ID}, conns[0].RoomIDs)

	e.do("carol", http.MethodGet, "/api/rooms/"+team.ID+"/online", nil, http.StatusForbidden, nil)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		e.do("bob", http.MethodGet, "/api/rooms/"+team.ID+"/online", nil, http.StatusOK, &online)
		return len(online.UserIDs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
