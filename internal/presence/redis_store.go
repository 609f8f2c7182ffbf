// Package presence tracks which users are connected to a department room.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Room identifies a department conversation.
type Room struct {
	CompanyID    string
	DepartmentID string
}

// RedisStore keeps a per-room hash of user id to open connection count so a
// user with two tabs stays online until both close.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(room Room) string {
	return s.prefix + room.CompanyID + ":" + room.DepartmentID
}

// Join records one more connection for userID and refreshes the room TTL.
// first is true when the user was not online before.
func (s *RedisStore) Join(ctx context.Context, room Room, userID string) (first bool, err error) {
	key := s.key(room)
	var incr *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, userID, 1)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("join presence: %w", err)
	}
	return incr.Val() == 1, nil
}

// Leave drops one connection. last is true when the user has no
// connections left in the room.
func (s *RedisStore) Leave(ctx context.Context, room Room, userID string) (last bool, err error) {
	key := s.key(room)
	count, err := s.client.HIncrBy(ctx, key, userID, -1).Result()
	if err != nil {
		return false, fmt.Errorf("leave presence: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	if err := s.client.HDel(ctx, key, userID).Err(); err != nil {
		return true, fmt.Errorf("clear presence: %w", err)
	}
	return true, nil
}

// Refresh extends the room TTL while connections are alive.
func (s *RedisStore) Refresh(ctx context.Context, room Room) error {
	if err := s.client.Expire(ctx, s.key(room), s.ttl).Err(); err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

// Online returns the users connected to room, sorted.
func (s *RedisStore) Online(ctx context.Context, room Room) ([]string, error) {
	users, err := s.client.HKeys(ctx, s.key(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
