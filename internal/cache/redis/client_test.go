package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/spagchat/internal/cache"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

type room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), "::not-a-url")
	require.Error(t, err)
}

func TestSetTryGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	key := cache.Key(cache.FamilyRoomByID, "1")

	c.Set(ctx, key, room{ID: "1", Name: "General"}, time.Minute)

	var got room
	require.True(t, c.TryGet(ctx, key, &got))
	require.Equal(t, room{ID: "1", Name: "General"}, got)

	var miss room
	require.False(t, c.TryGet(ctx, cache.Key(cache.FamilyRoomByID, "2"), &miss))
}

func TestSlidingExpiration(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	key := cache.Key(cache.FamilyRoomMessages, "r1")
	c.Set(ctx, key, []string{"m1"}, time.Minute)

	var got []string
	mr.FastForward(50 * time.Second)
	require.True(t, c.TryGet(ctx, key, &got))
	mr.FastForward(50 * time.Second)
	require.True(t, c.TryGet(ctx, key, &got), "hit must extend the TTL")
	mr.FastForward(61 * time.Second)
	require.False(t, c.TryGet(ctx, key, &got))
}

func TestRemoveByPrefixUsesFamilyIndex(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	c.Set(ctx, cache.Key(cache.FamilyRoomsForUser, "u1"), []string{"r1"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomsForUser, "u2"), []string{"r2"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomByID, "r1"), room{ID: "r1"}, time.Minute)

	c.RemoveByPrefix(ctx, cache.Prefix(cache.FamilyRoomsForUser))

	require.False(t, mr.Exists(keyNamespace+cache.Key(cache.FamilyRoomsForUser, "u1")))
	require.False(t, mr.Exists(keyNamespace+cache.Key(cache.FamilyRoomsForUser, "u2")))
	require.True(t, mr.Exists(keyNamespace+cache.Key(cache.FamilyRoomByID, "r1")))
	require.False(t, mr.Exists(indexNamespace+string(cache.FamilyRoomsForUser)))
}

func TestRemoveByPrefixWithoutFamily(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	c.Set(ctx, "plain-a", 1, time.Minute)
	c.Set(ctx, "plain-b", 2, time.Minute)
	c.Set(ctx, "other", 3, time.Minute)

	c.RemoveByPrefix(ctx, "plain")

	require.False(t, mr.Exists(keyNamespace+"plain-a"))
	require.False(t, mr.Exists(keyNamespace+"plain-b"))
	require.True(t, mr.Exists(keyNamespace+"other"))
}

func TestRemoveAndRemoveFamily(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	c.Set(ctx, cache.Key(cache.FamilyRoomMembers, "r1"), []string{"u1"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomMembers, "r2"), []string{"u2"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomByName, "general"), room{ID: "r1"}, time.Minute)

	c.Remove(ctx, cache.Key(cache.FamilyRoomByName, "general"))
	require.False(t, mr.Exists(keyNamespace+cache.Key(cache.FamilyRoomByName, "general")))

	c.RemoveFamily(ctx, cache.FamilyRoomMembers)
	var ids []string
	require.False(t, c.TryGet(ctx, cache.Key(cache.FamilyRoomMembers, "r1"), &ids))
	require.False(t, c.TryGet(ctx, cache.Key(cache.FamilyRoomMembers, "r2"), &ids))
}

func TestCorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set(keyNamespace+"broken", "{not json"))
	var v int
	require.False(t, c.TryGet(ctx, "broken", &v))
}

func TestBackendDownIsMiss(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewFromClient(cli)
	t.Cleanup(func() { _ = c.Close() })

	c.Set(ctx, "k", 1, time.Minute)
	mr.Close()

	var v int
	require.False(t, c.TryGet(ctx, "k", &v))
	c.Remove(ctx, "k")
	c.RemoveByPrefix(ctx, cache.Prefix(cache.FamilyRoomByID))
}
