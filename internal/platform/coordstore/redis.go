// Package coordstore contains the Redis-backed implementation of the shared
// coordination store. Sorted sets back the delayed lane, lists back the FIFO
// lanes, counters with TTL back rate limiting, and pub/sub backs cluster
// fanout.
package coordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// RedisStore implements presence.CoordinationStore on Redis.
type RedisStore struct {
	client redisClient
	logger zerolog.Logger
}

// NewRedisStore is the constructor for the RedisStore. Pass a *redis.Client;
// the narrow interface exists so tests can substitute a mock.
func NewRedisStore(client redisClient, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

// IncrementWithTTL increments the counter and arms its expiry on first use.
// The INCR is what makes concurrent producers across instances safe.
func (s *RedisStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to incr %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("failed to expire %s: %w", key, err)
		}
	}
	return count, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", presence.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

// GetDelete is an atomic read-and-delete; at most one caller sees a value.
func (s *RedisStore) GetDelete(ctx context.Context, key string) (string, error) {
	val, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", presence.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to getdel %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to del: %w", err)
	}
	return nil
}

func (s *RedisStore) SortedAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("failed to zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SortedRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) SortedRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("failed to zrem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SortedCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to zcard %s: %w", key, err)
	}
	return n, nil
}

// ListPush pushes to the head; ListPop pops from the tail, so lanes drain FIFO.
func (s *RedisStore) ListPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("failed to lpush %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ListPop(ctx context.Context, key string) (string, error) {
	val, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", presence.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to rpop %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to llen %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (presence.Subscription, error) {
	return newRedisSubscription(s.client.Subscribe(ctx, channels...)), nil
}

func (s *RedisStore) PSubscribe(ctx context.Context, patterns ...string) (presence.Subscription, error) {
	return newRedisSubscription(s.client.PSubscribe(ctx, patterns...)), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// redisSubscription adapts *redis.PubSub to presence.Subscription.
type redisSubscription struct {
	ps   *redis.PubSub
	out  chan presence.StoreMessage
	done chan struct{}
	once sync.Once
}

func newRedisSubscription(ps *redis.PubSub) *redisSubscription {
	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan presence.StoreMessage, 64),
		done: make(chan struct{}),
	}
	go sub.pump(ps.Channel())
	return sub
}

// pump forwards messages until the source channel closes or the subscription
// is closed. The done case keeps Close from leaking a pump blocked on a full
// out channel that no consumer is draining anymore.
func (s *redisSubscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for msg := range in {
		select {
		case s.out <- presence.StoreMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan presence.StoreMessage { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.ps != nil {
			err = s.ps.Close()
		}
	})
	return err
}

func formatScore(f float64) string { return fmt.Sprintf("%f", f) }
