// Package cache holds read-through caches for user projections.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/domain"
)

const (
	userKeyPrefix = "account:user:"
	// generations must outlive any in-flight read that observed them
	generationTTL = 24 * time.Hour
)

// UserCache stores public user projections keyed by id. Read failures are
// logged and treated as misses; the database stays authoritative.
//
// Every id carries a generation that Invalidate advances. Get reports the
// generation it observed and Set only stores when it is still current, so a
// read that raced a delete or update cannot repopulate the old record.
type UserCache interface {
	// Get returns the cached user and the observed generation. A negative
	// generation means it could not be read and Set will not store.
	Get(ctx context.Context, id string) (*domain.User, int64, bool)
	Set(ctx context.Context, user *domain.User, generation int64)
	Invalidate(ctx context.Context, id string) error
}

// setIfGeneration writes KEYS[1] only while KEYS[2] still holds ARGV[1].
var setIfGeneration = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if not current then current = '0' end
if current ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Keys share a hash tag so the script and the invalidation stay in one slot.
func userKey(id string) string       { return userKeyPrefix + "{" + id + "}" }
func generationKey(id string) string { return userKey(id) + ":gen" }

type cachedUser struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type redisUserCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisUserCache returns a Redis-backed cache, or a no-op cache when client is nil or ttl is zero.
func NewRedisUserCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) UserCache {
	if client == nil || ttl <= 0 {
		return NoopUserCache{}
	}
	return &redisUserCache{client: client, ttl: ttl, logger: logger}
}

func (c *redisUserCache) Get(ctx context.Context, id string) (*domain.User, int64, bool) {
	vals, err := c.client.MGet(ctx, userKey(id), generationKey(id)).Result()
	if err != nil {
		c.logger.Warn("user cache get failed", zap.String("user_id", id), zap.Error(err))
		return nil, -1, false
	}

	generation := int64(0)
	if raw, ok := vals[1].(string); ok {
		if generation, err = strconv.ParseInt(raw, 10, 64); err != nil {
			c.logger.Warn("user cache generation corrupt", zap.String("user_id", id), zap.Error(err))
			return nil, -1, false
		}
	}

	raw, ok := vals[0].(string)
	if !ok {
		return nil, generation, false
	}

	var cached cachedUser
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		c.logger.Warn("user cache entry corrupt", zap.String("user_id", id), zap.Error(err))
		_ = c.Invalidate(ctx, id)
		return nil, -1, false
	}
	return &domain.User{
		ID:        cached.ID,
		Username:  cached.Username,
		FirstName: cached.FirstName,
		LastName:  cached.LastName,
		Email:     cached.Email,
		CreatedAt: cached.CreatedAt,
		UpdatedAt: cached.UpdatedAt,
	}, generation, true
}

func (c *redisUserCache) Set(ctx context.Context, user *domain.User, generation int64) {
	if generation < 0 {
		return
	}
	raw, err := json.Marshal(cachedUser{
		ID:        user.ID,
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	})
	if err != nil {
		return
	}
	keys := []string{userKey(user.ID), generationKey(user.ID)}
	err = setIfGeneration.Run(ctx, c.client, keys, strconv.FormatInt(generation, 10), raw, c.ttl.Milliseconds()).Err()
	if err != nil {
		c.logger.Warn("user cache set failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}

// Invalidate drops the entry and advances the generation in one transaction.
func (c *redisUserCache) Invalidate(ctx context.Context, id string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(id))
		pipe.Expire(ctx, generationKey(id), generationTTL)
		pipe.Del(ctx, userKey(id))
		return nil
	})
	if err != nil {
		c.logger.Warn("user cache invalidate failed", zap.String("user_id", id), zap.Error(err))
		return fmt.Errorf("invalidate cached user %s: %w", id, err)
	}
	return nil
}

// NoopUserCache never stores anything.
type NoopUserCache struct{}

func (NoopUserCache) Get(context.Context, string) (*domain.User, int64, bool) { return nil, -1, false }
func (NoopUserCache) Set(context.Context, *domain.User, int64)                {}
func (NoopUserCache) Invalidate(context.Context, string) error                { return nil }
