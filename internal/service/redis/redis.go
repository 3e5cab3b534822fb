// Package redis is a thin wrapper around go-redis with the commands the client and
// server use.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) error {
	return r.rdb.RPush(ctx, key, value...).Err()
}

func (r *RedisService) LRange(ctx context.Context, key string) ([]string, error) {
	return r.rdb.LRange(ctx, key, 0, -1).Result()
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	return r.rdb.Get(ctx, key).Result()
}

func (r *RedisService) LPop(ctx context.Context, key string) (string, error) {
	return r.rdb.LPop(ctx, key).Result()
}

func (r *RedisService) LLen(ctx context.Context, key string) (int64, error) {
	return r.rdb.LLen(ctx, key).Result()
}

// SAdd returns the number of members that were not yet in the set.
func (r *RedisService) SAdd(ctx context.Context, key string, members ...any) (int64, error) {
	return r.rdb.SAdd(ctx, key, members...).Result()
}

func (r *RedisService) SIsMember(ctx context.Context, key string, member any) (bool, error) {
	return r.rdb.SIsMember(ctx, key, member).Result()
}

func (r *RedisService) SCard(ctx context.Context, key string) (int64, error) {
	return r.rdb.SCard(ctx, key).Result()
}

func (r *RedisService) HSet(ctx context.Context, key, field string, value any) error {
	return r.rdb.HSet(ctx, key, field, value).Err()
}

func (r *RedisService) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, key).Result()
}

// HDel returns the number of fields that were removed.
func (r *RedisService) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return r.rdb.HDel(ctx, key, fields...).Result()
}

func (r *RedisService) HExists(ctx context.Context, key, field string) (bool, error) {
	return r.rdb.HExists(ctx, key, field).Result()
}

// ReplaceList atomically replaces the content of the list at key with values.
func (r *RedisService) ReplaceList(ctx context.Context, key string, values ...any) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	return err
}

// Drain atomically reads and removes the list at key.
func (r *RedisService) Drain(ctx context.Context, key string) ([]string, error) {
	var lrange *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lrange.Val(), nil
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}
