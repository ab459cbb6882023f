package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const guardStripes = 256

// Stamp is the invalidation generation observed before a store read.
type Stamp struct {
	key    uint64
	family uint64
}

// Guard wraps a Cache so a value read from the store before an invalidation
// cannot be written back after it. Readers take a Stamp before the store fetch
// and store through SetIfFresh; every Remove bumps the generation of its key stripe
// and every family-wide removal bumps the family generation.
//
// Generations are per process: with several API instances on one Redis a stale
// write-back from another instance is still bounded only by the TTL.
type Guard struct {
	Cache

	mu       sync.Mutex
	stripes  [guardStripes]uint64
	families map[Family]uint64
}

func NewGuard(c Cache) *Guard {
	return &Guard{Cache: c, families: make(map[Family]uint64)}
}

func stripeOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % guardStripes)
}

// Stamp returns the current generation of key.
func (g *Guard) Stamp(key string) Stamp {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stamp{key: g.stripes[stripeOf(key)], family: g.families[FamilyOf(key)]}
}

// SetIfFresh stores value only if key was not invalidated since st was taken.
// Reports whether the value was stored.
func (g *Guard) SetIfFresh(ctx context.Context, key string, st Stamp, value any, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stripes[stripeOf(key)] != st.key || g.families[FamilyOf(key)] != st.family {
		return false
	}
	// под мьютексом: инвалидация не может проскочить между проверкой и записью
	g.Cache.Set(ctx, key, value, ttl)
	return true
}

func (g *Guard) Remove(ctx context.Context, key string) {
	g.mu.Lock()
	g.stripes[stripeOf(key)]++
	g.mu.Unlock()
	g.Cache.Remove(ctx, key)
}

func (g *Guard) RemoveByPrefix(ctx context.Context, prefix string) {
	g.bumpFamily(FamilyOf(prefix))
	g.Cache.RemoveByPrefix(ctx, prefix)
}

func (g *Guard) RemoveFamily(ctx context.Context, family Family) {
	g.bumpFamily(family)
	g.Cache.RemoveFamily(ctx, family)
}

func (g *Guard) bumpFamily(family Family) {
	g.mu.Lock()
	g.families[family]++
	g.mu.Unlock()
}
