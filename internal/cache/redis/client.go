package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spagchat/internal/cache"
	"github.com/spagchat/internal/logger"
)

const (
	keyNamespace   = "cache:"
	indexNamespace = "cache_family:"
	scanBatch      = 200
)

// envelope хранит TTL рядом со значением: при попадании TTL продлевается через EXPIRE.
type envelope struct {
	TTLMillis int64           `json:"ttl_ms"`
	Value     json.RawMessage `json:"value"`
}

// Client — кеш в Redis, общий для нескольких экземпляров API.
// Ключи семейства перечисляются через SET cache_family:{family}.
// Ошибки Redis не пробрасываются: они логируются и считаются промахом.
type Client struct {
	cli *redis.Client
}

var _ cache.Cache = (*Client)(nil)

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewFromClient оборачивает уже подключённый клиент (startup.ConnectRedisWithRetry).
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		logger.Warnf("cache.redis: не удалось сериализовать %s: %v", key, err)
		return
	}
	data, err := json.Marshal(envelope{TTLMillis: ttl.Milliseconds(), Value: raw})
	if err != nil {
		logger.Warnf("cache.redis: не удалось сериализовать %s: %v", key, err)
		return
	}
	pipe := c.cli.TxPipeline()
	pipe.Set(ctx, keyNamespace+key, data, ttl)
	if fam := cache.FamilyOf(key); fam != "" {
		pipe.SAdd(ctx, indexNamespace+string(fam), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnf("cache.redis: SET %s: %v", key, err)
	}
}

func (c *Client) TryGet(ctx context.Context, key string, dest any) bool {
	data, err := c.cli.Get(ctx, keyNamespace+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warnf("cache.redis: GET %s: %v", key, err)
		}
		return false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warnf("cache.redis: повреждённая запись %s: %v", key, err)
		return false
	}
	if err := json.Unmarshal(env.Value, dest); err != nil {
		logger.Warnf("cache.redis: не удалось прочитать %s: %v", key, err)
		return false
	}
	if env.TTLMillis > 0 {
		if err := c.cli.Expire(ctx, keyNamespace+key, time.Duration(env.TTLMillis)*time.Millisecond).Err(); err != nil {
			logger.Warnf("cache.redis: EXPIRE %s: %v", key, err)
		}
	}
	return true
}

func (c *Client) Remove(ctx context.Context, key string) {
	pipe := c.cli.TxPipeline()
	pipe.Del(ctx, keyNamespace+key)
	if fam := cache.FamilyOf(key); fam != "" {
		pipe.SRem(ctx, indexNamespace+string(fam), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnf("cache.redis: DEL %s: %v", key, err)
	}
}

// RemoveByPrefix использует индекс семейства; префиксы вне семейств удаляются через SCAN.
func (c *Client) RemoveByPrefix(ctx context.Context, prefix string) {
	fam := cache.FamilyOf(prefix)
	if fam == "" {
		c.scanDelete(ctx, prefix)
		return
	}
	members, err := c.cli.SMembers(ctx, indexNamespace+string(fam)).Result()
	if err != nil {
		logger.Warnf("cache.redis: SMEMBERS %s: %v", fam, err)
		return
	}
	var keys []string
	for _, key := range members {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	c.deleteIndexed(ctx, fam, keys)
}

func (c *Client) RemoveFamily(ctx context.Context, family cache.Family) {
	members, err := c.cli.SMembers(ctx, indexNamespace+string(family)).Result()
	if err != nil {
		logger.Warnf("cache.redis: SMEMBERS %s: %v", family, err)
		return
	}
	c.deleteIndexed(ctx, family, members)
}

func (c *Client) deleteIndexed(ctx context.Context, fam cache.Family, keys []string) {
	if len(keys) == 0 {
		return
	}
	raw := make([]string, len(keys))
	idx := make([]any, len(keys))
	for i, k := range keys {
		raw[i] = keyNamespace + k
		idx[i] = k
	}
	pipe := c.cli.TxPipeline()
	pipe.Del(ctx, raw...)
	pipe.SRem(ctx, indexNamespace+string(fam), idx...)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnf("cache.redis: удаление семейства %s: %v", fam, err)
	}
}

func (c *Client) scanDelete(ctx context.Context, prefix string) {
	var cursor uint64
	for {
		keys, next, err := c.cli.Scan(ctx, cursor, keyNamespace+prefix+"*", scanBatch).Result()
		if err != nil {
			logger.Warnf("cache.redis: SCAN %s: %v", prefix, err)
			return
		}
		if len(keys) > 0 {
			if err := c.cli.Del(ctx, keys...).Err(); err != nil {
				logger.Warnf("cache.redis: DEL %s*: %v", prefix, err)
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}
