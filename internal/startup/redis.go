package startup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spagchat/internal/logger"
)

// ConnectRedis разбирает URL и проверяет соединение PING.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return cli, nil
}

// ConnectRedisWithRetry подключается к Redis с повторами.
// Клиент общий для кеша (cache.backend=redis) и подписок Web Push.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redis.Client {
	deadline := time.Now().Add(maxWait)
	b := newBackoff()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := ConnectRedis(ctx, redisURL)
		cancel()
		if err == nil {
			return client
		}
		if time.Now().After(deadline) {
			logger.Errorf("%sredis (gave up after %v): %v", logPrefix, maxWait, err)
			os.Exit(1)
		}
		wait := b.next()
		logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, wait, err)
		time.Sleep(wait)
	}
}
