// Package cache describes the read-through cache every domain read goes through.
//
// The cache is never the source of truth: a miss, an eviction or a backend error must
// always be safe to recompute from the persistence gateway. Every key belongs to exactly
// one logical Family so invalidation can enumerate it without scanning raw key strings.
package cache

import (
	"context"
	"strings"
	"time"
)

// Cache is implemented by memory.Client and redis.Client.
type Cache interface {
	// Set stores value under key with a sliding expiration of ttl.
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	// TryGet decodes the cached value into dest. Missing, expired and undecodable
	// entries are all reported as found=false.
	TryGet(ctx context.Context, key string, dest any) bool
	Remove(ctx context.Context, key string)
	RemoveByPrefix(ctx context.Context, prefix string)
	RemoveFamily(ctx context.Context, family Family)
	Close() error
}

// Family is a logical group of keys that is invalidated together.
type Family string

const (
	FamilyRoomByID     Family = "room_by_id"
	FamilyRoomByName   Family = "room_by_name"
	FamilyRoomsForUser Family = "rooms_for_user"
	FamilyRoomMembers  Family = "room_members"
	FamilyRoomMessages Family = "room_messages"
)

const sep = ":"

// Key builds the cache key for id inside family.
func Key(family Family, id string) string {
	return string(family) + sep + id
}

// Prefix returns the prefix shared by every key of family.
func Prefix(family Family) string {
	return string(family) + sep
}

// FamilyOf returns the family a key or prefix belongs to ("" when it has none).
func FamilyOf(keyOrPrefix string) Family {
	idx := strings.Index(keyOrPrefix, sep)
	if idx <= 0 {
		return ""
	}
	return Family(keyOrPrefix[:idx])
}

// TTLPolicy holds the two sliding-expiration classes: Short for volatile message
// lists, Long for room, member and per-user room list lookups.
type TTLPolicy struct {
	Short time.Duration
	Long  time.Duration
}

// DefaultTTL is used when no configuration is supplied.
var DefaultTTL = TTLPolicy{Short: time.Minute, Long: 5 * time.Minute}

// For returns the TTL class of family.
func (p TTLPolicy) For(family Family) time.Duration {
	if family == FamilyRoomMessages {
		return p.Short
	}
	return p.Long
}
