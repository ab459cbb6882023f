// Package push хранит Web Push подписки в Redis и рассылает уведомления участникам без соединения.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

var ErrInvalidSubscription = errors.New("push: endpoint, keys.p256dh and keys.auth are required")

type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription — подписка из браузера (PushManager.subscribe()).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

func (s Subscription) valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// Store — список подписок на пользователя; хранится не более maxSubsPerUser последних.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(userID string) string { return redisKeyPrefix + userID }

// Subscribe добавляет подписку; повтор того же endpoint заменяет старую запись.
func (s *Store) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || !sub.valid() {
		return ErrInvalidSubscription
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("push.Subscribe: %w", err)
	}
	kept, err := s.without(ctx, userID, sub.Endpoint)
	if err != nil {
		return err
	}
	kept = append(kept, string(raw))
	return s.replace(ctx, userID, kept)
}

// Unsubscribe удаляет подписку по endpoint.
func (s *Store) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if strings.TrimSpace(userID) == "" || endpoint == "" {
		return ErrInvalidSubscription
	}
	return s.Remove(ctx, userID, endpoint)
}

// List возвращает подписки пользователя; битые записи пропускаются.
func (s *Store) List(ctx context.Context, userID string) ([]Subscription, error) {
	items, err := s.rdb.LRange(ctx, key(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("push.List: %w", err)
	}
	subs := make([]Subscription, 0, len(items))
	for _, item := range items {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (s *Store) Remove(ctx context.Context, userID, endpoint string) error {
	kept, err := s.without(ctx, userID, endpoint)
	if err != nil {
		return err
	}
	return s.replace(ctx, userID, kept)
}

func (s *Store) without(ctx context.Context, userID, endpoint string) ([]string, error) {
	items, err := s.rdb.LRange(ctx, key(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("push: read subscriptions: %w", err)
	}
	kept := make([]string, 0, len(items))
	for _, item := range items {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" && sub.Endpoint != endpoint {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

// replace перезаписывает список одной транзакцией.
func (s *Store) replace(ctx context.Context, userID string, items []string) error {
	k := key(userID)
	if len(items) > maxSubsPerUser {
		items = items[len(items)-maxSubsPerUser:]
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, k)
	if len(items) > 0 {
		vals := make([]any, len(items))
		for i, v := range items {
			vals[i] = v
		}
		pipe.RPush(ctx, k, vals...)
		pipe.Expire(ctx, k, subscriptionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push: write subscriptions: %w", err)
	}
	return nil
}
