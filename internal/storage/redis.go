package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/xaenox/mention-bridge/internal/models"
	"go.uber.org/zap"
)

const redisKeyPrefix = "bridge"

// NewRedisCache builds a ConversationCache on top of Redis. Entries carry a
// native Redis expiry, so nothing has to be swept by hand. Closing the cache
// closes client.
func NewRedisCache(client *redis.Client, cfg TTLConfig, clock clockwork.Clock, logger *zap.Logger) *ConversationCache {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stores := Stores{
		Sessions:           newRedisStore[models.ConversationSession](client, "session", cfg.ConversationTTL, clock, logger),
		LatestTweets:       newRedisStore[models.Tweet](client, "latest_tweet", cfg.ConversationTTL, clock, logger),
		RootTweets:         newRedisStore[models.Tweet](client, "root_tweet", cfg.ConversationTTL, clock, logger),
		TweetConversations: newRedisStore[string](client, "tweet_conversation", cfg.ConversationTTL, clock, logger),
		WaitingUsers:       newRedisStore[models.UserIdentifier](client, "waiting_user", cfg.ReplyTTL, clock, logger),
		PendingReplies:     newRedisStore[models.Activity](client, "pending_reply", cfg.ReplyTTL, clock, logger),
	}
	cache := NewConversationCache(stores, clock, logger)
	cache.closer = client.Close
	return cache
}

type redisStore[V any] struct {
	client *redis.Client
	kind   string
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

func newRedisStore[V any](client *redis.Client, kind string, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *redisStore[V] {
	return &redisStore[V]{
		client: client,
		kind:   kind,
		ttl:    ttl,
		clock:  clock,
		logger: logger.With(zap.String("store", kind)),
	}
}

func (s *redisStore[V]) redisKey(id string) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, s.kind, id)
}

// expiration is what is left of the ttl for a key stamped at key.CreatedAt.
func (s *redisStore[V]) expiration(key models.CorrelationKey) time.Duration {
	remaining := s.ttl - s.clock.Since(key.CreatedAt)
	if remaining <= 0 {
		return time.Millisecond
	}
	return remaining
}

func (s *redisStore[V]) Put(key models.CorrelationKey, value V) bool {
	if key.ID == "" {
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to encode cache value", zap.Error(err), zap.String("id", key.ID))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, s.redisKey(key.ID), data, s.expiration(key)).Result()
	if err != nil {
		s.logger.Error("Failed to write cache entry", zap.Error(err), zap.String("id", key.ID))
		return false
	}
	return ok
}

func (s *redisStore[V]) Upsert(key models.CorrelationKey, value V) bool {
	if key.ID == "" {
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to encode cache value", zap.Error(err), zap.String("id", key.ID))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.redisKey(key.ID), data, s.expiration(key)).Err(); err != nil {
		s.logger.Error("Failed to write cache entry", zap.Error(err), zap.String("id", key.ID))
		return false
	}
	return true
}

// Update overwrites an existing key only and keeps its remaining expiry.
func (s *redisStore[V]) Update(id string, value V) bool {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to encode cache value", zap.Error(err), zap.String("id", id))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	err = s.client.SetArgs(ctx, s.redisKey(id), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		s.logger.Error("Failed to update cache entry", zap.Error(err), zap.String("id", id))
		return false
	}
	return true
}

func (s *redisStore[V]) Get(id string) (V, bool) {
	var zero V

	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false
	}
	if err != nil {
		s.logger.Error("Failed to read cache entry", zap.Error(err), zap.String("id", id))
		return zero, false
	}

	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		s.logger.Error("Failed to decode cache value", zap.Error(err), zap.String("id", id))
		return zero, false
	}
	return value, true
}

func (s *redisStore[V]) Remove(id string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	n, err := s.client.Del(ctx, s.redisKey(id)).Result()
	if err != nil {
		s.logger.Error("Failed to delete cache entry", zap.Error(err), zap.String("id", id))
		return false
	}
	return n > 0
}

func (s *redisStore[V]) Values() []V {
	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, s.redisKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logger.Error("Failed to scan cache entries", zap.Error(err))
		return []V{}
	}
	if len(keys) == 0 {
		return []V{}
	}

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Error("Failed to list cache entries", zap.Error(err))
		return []V{}
	}

	values := make([]V, 0, len(raw))
	for i, item := range raw {
		// Expired between SCAN and MGET.
		str, ok := item.(string)
		if !ok {
			continue
		}
		var value V
		if err := json.Unmarshal([]byte(str), &value); err != nil {
			s.logger.Error("Failed to decode cache value", zap.Error(err), zap.String("key", keys[i]))
			continue
		}
		values = append(values, value)
	}
	return values
}
