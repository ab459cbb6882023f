package memory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/spagchat/internal/cache"
	"github.com/spagchat/internal/logger"
)

type item struct {
	val []byte
	ttl time.Duration
	exp time.Time
}

// Client — in-process кеш со скользящим TTL (для -dev и одного экземпляра API).
// Значения хранятся в JSON, чтобы поведение совпадало с redis.Client:
// вызывающий всегда получает копию, а не общий указатель.
type Client struct {
	mu     sync.Mutex
	items  map[string]item
	family map[cache.Family]map[string]struct{}
	now    func() time.Time
}

var _ cache.Cache = (*Client)(nil)

func New() *Client {
	return &Client{
		items:  make(map[string]item),
		family: make(map[cache.Family]map[string]struct{}),
		now:    time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		logger.Warnf("cache.memory: не удалось сериализовать %s: %v", key, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item{val: data, ttl: ttl, exp: c.now().Add(ttl)}
	if fam := cache.FamilyOf(key); fam != "" {
		keys, ok := c.family[fam]
		if !ok {
			keys = make(map[string]struct{})
			c.family[fam] = keys
		}
		keys[key] = struct{}{}
	}
}

// TryGet продлевает срок жизни записи при каждом попадании.
func (c *Client) TryGet(ctx context.Context, key string, dest any) bool {
	c.mu.Lock()
	v, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	if !now.Before(v.exp) {
		c.removeLocked(key)
		c.mu.Unlock()
		return false
	}
	v.exp = now.Add(v.ttl)
	c.items[key] = v
	c.mu.Unlock()

	if err := json.Unmarshal(v.val, dest); err != nil {
		logger.Warnf("cache.memory: не удалось прочитать %s: %v", key, err)
		return false
	}
	return true
}

func (c *Client) Remove(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// RemoveByPrefix удаляет все ключи с префиксом. Если префикс принадлежит семейству,
// просматривается только индекс этого семейства.
func (c *Client) RemoveByPrefix(ctx context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fam := cache.FamilyOf(prefix); fam != "" {
		for key := range c.family[fam] {
			if strings.HasPrefix(key, prefix) {
				c.removeLocked(key)
			}
		}
		return
	}
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key)
		}
	}
}

func (c *Client) RemoveFamily(ctx context.Context, family cache.Family) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.family[family] {
		delete(c.items, key)
	}
	delete(c.family, family)
}

// Len — число записей (включая ещё не вычищенные просроченные).
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// StartJanitor периодически удаляет просроченные записи до отмены ctx.
func (c *Client) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.sweep(); n > 0 {
					logger.Debugf("cache.memory: удалено просроченных записей: %d", n)
				}
			}
		}
	}()
}

func (c *Client) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for key, v := range c.items {
		if !now.Before(v.exp) {
			c.removeLocked(key)
			n++
		}
	}
	return n
}

func (c *Client) removeLocked(key string) {
	delete(c.items, key)
	fam := cache.FamilyOf(key)
	if fam == "" {
		return
	}
	if keys, ok := c.family[fam]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.family, fam)
		}
	}
}
