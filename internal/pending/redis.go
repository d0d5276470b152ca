package pending

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
RedisBackend keys:
  - relay:pending:{queue}:{uid} (LIST, RPUSH on enqueue, oldest at index 0)
*/
type RedisBackend struct {
	cli  *redis.Client
	opts Options
	ttl  time.Duration
}

// NewRedisBackend does not own cli; Close leaves it open.
func NewRedisBackend(cli *redis.Client, opts Options, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisBackend{cli: cli, opts: opts, ttl: ttl}
}

func (s *RedisBackend) key(queue, uid string) string {
	return fmt.Sprintf("relay:pending:%s:%s", queue, uid)
}

func (s *RedisBackend) Push(ctx context.Context, queue, uid string, records ...string) error {
	if len(records) == 0 {
		return nil
	}
	key := s.key(queue, uid)
	vals := make([]any, len(records))
	for i, r := range records {
		vals[i] = r
	}
	var push *redis.IntCmd
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, key, vals...)
		if s.opts.MaxKeep > 0 {
			pipe.LTrim(ctx, key, -s.opts.MaxKeep, -1)
		}
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return err
	}
	// RPUSH reports the length before LTRIM ran
	if s.opts.MaxKeep > 0 {
		s.opts.trimmed(queue, uid, push.Val()-s.opts.MaxKeep)
	}
	return nil
}

// Drain runs LRANGE+DEL inside MULTI/EXEC so no other client can observe or
// consume the same records.
func (s *RedisBackend) Drain(ctx context.Context, queue, uid string) ([]string, error) {
	key := s.key(queue, uid)
	var rng *redis.StringSliceCmd
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rng.Val(), nil
}

func (s *RedisBackend) Count(ctx context.Context, queue, uid string) (int64, error) {
	return s.cli.LLen(ctx, s.key(queue, uid)).Result()
}

func (s *RedisBackend) Close() error { return nil }
