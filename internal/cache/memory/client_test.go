package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spagchat/internal/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestClient() (*Client, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New()
	c.now = clk.Now
	return c, clk
}

type room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestSetAndTryGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient()

	c.Set(ctx, cache.Key(cache.FamilyRoomByID, "1"), room{ID: "1", Name: "General"}, time.Minute)

	var got room
	require.True(t, c.TryGet(ctx, cache.Key(cache.FamilyRoomByID, "1"), &got))
	require.Equal(t, "General", got.Name)

	var miss room
	require.False(t, c.TryGet(ctx, cache.Key(cache.FamilyRoomByID, "2"), &miss))
}

func TestSlidingExpiration(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestClient()
	key := cache.Key(cache.FamilyRoomMessages, "r1")
	c.Set(ctx, key, []string{"a"}, time.Minute)

	var got []string
	for i := 0; i < 3; i++ {
		clk.Advance(50 * time.Second)
		require.True(t, c.TryGet(ctx, key, &got), "hit %d should extend the entry", i)
	}

	clk.Advance(61 * time.Second)
	require.False(t, c.TryGet(ctx, key, &got))
	require.Equal(t, 0, c.Len())
}

func TestRemoveByPrefix(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient()
	c.Set(ctx, cache.Key(cache.FamilyRoomsForUser, "u1"), []string{"r1"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomsForUser, "u2"), []string{"r2"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomByID, "r1"), room{ID: "r1"}, time.Minute)

	c.RemoveByPrefix(ctx, cache.Prefix(cache.FamilyRoomsForUser))

	var ids []string
	require.False(t, c.TryGet(ctx, cache.Key(cache.FamilyRoomsForUser, "u1"), &ids))
	require.False(t, c.TryGet(ctx, cache.Key(cache.FamilyRoomsForUser, "u2"), &ids))
	var r room
	require.True(t, c.TryGet(ctx, cache.Key(cache.FamilyRoomByID, "r1"), &r))
}

func TestRemoveByPrefixPartialKey(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient()
	c.Set(ctx, cache.Key(cache.FamilyRoomByName, "team-a"), room{ID: "1"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomByName, "team-b"), room{ID: "2"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomByName, "other"), room{ID: "3"}, time.Minute)
	c.Set(ctx, "free-form-key", 1, time.Minute)

	c.RemoveByPrefix(ctx, cache.Key(cache.FamilyRoomByName, "team"))
	require.Equal(t, 2, c.Len())

	c.RemoveByPrefix(ctx, "free")
	require.Equal(t, 1, c.Len())
}

func TestRemoveFamilyAndRemove(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient()
	c.Set(ctx, cache.Key(cache.FamilyRoomMembers, "r1"), []string{"u1"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomMembers, "r2"), []string{"u2"}, time.Minute)
	c.Set(ctx, cache.Key(cache.FamilyRoomByID, "r1"), room{ID: "r1"}, time.Minute)

	c.RemoveFamily(ctx, cache.FamilyRoomMembers)
	require.Equal(t, 1, c.Len())

	c.Remove(ctx, cache.Key(cache.FamilyRoomByID, "r1"))
	c.Remove(ctx, cache.Key(cache.FamilyRoomByID, "missing"))
	require.Equal(t, 0, c.Len())
}

func TestValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient()
	src := []string{"a", "b"}
	c.Set(ctx, "k", src, time.Minute)
	src[0] = "mutated"

	var got []string
	require.True(t, c.TryGet(ctx, "k", &got))
	require.Equal(t, []string{"a", "b"}, got)
}

func TestUndecodableIsMiss(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient()
	c.Set(ctx, "k", "text", time.Minute)
	var n int
	require.False(t, c.TryGet(ctx, "k", &n))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestClient()
	c.Set(ctx, cache.Key(cache.FamilyRoomByID, "1"), 1, time.Second)
	c.Set(ctx, cache.Key(cache.FamilyRoomByID, "2"), 2, time.Hour)
	clk.Advance(2 * time.Second)
	require.Equal(t, 1, c.sweep())
	require.Equal(t, 1, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := cache.Key(cache.FamilyRoomMessages, "r")
			for j := 0; j < 100; j++ {
				c.Set(ctx, key, j, time.Minute)
				var v int
				c.TryGet(ctx, key, &v)
				if j%10 == 0 {
					c.RemoveByPrefix(ctx, cache.Prefix(cache.FamilyRoomMessages))
				}
			}
		}(i)
	}
	wg.Wait()
}
