package nonce

import (
	"context"
	"encoding/hex"
	"sync"

	"e2e_mediator/internal/service/redis"
)

const DefaultKey = "nonces"

type (
	// RedisRepo keeps the processed nonces in one redis set. Members are hex encoded.
	RedisRepo struct {
		key          string
		redisService *redis.RedisService
	}

	MemoryRepo struct {
		mu     sync.RWMutex
		nonces map[string]struct{}
	}
)

func NewRedisRepo(redisService *redis.RedisService, key string) *RedisRepo {
	if key == "" {
		key = DefaultKey
	}
	return &RedisRepo{key: key, redisService: redisService}
}

func (r *RedisRepo) Contains(ctx context.Context, nonce []byte) (bool, error) {
	return r.redisService.SIsMember(ctx, r.key, hex.EncodeToString(nonce))
}

func (r *RedisRepo) Add(ctx context.Context, nonces ...[]byte) (int, error) {
	if len(nonces) == 0 {
		return 0, nil
	}
	members := make([]any, 0, len(nonces))
	for _, n := range nonces {
		members = append(members, hex.EncodeToString(n))
	}
	added, err := r.redisService.SAdd(ctx, r.key, members...)
	return int(added), err
}

func (r *RedisRepo) Count(ctx context.Context) (int64, error) {
	return r.redisService.SCard(ctx, r.key)
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{nonces: make(map[string]struct{})}
}

func (r *MemoryRepo) Contains(ctx context.Context, nonce []byte) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nonces[string(nonce)]
	return ok, nil
}

func (r *MemoryRepo) Add(ctx context.Context, nonces ...[]byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, n := range nonces {
		if _, ok := r.nonces[string(n)]; ok {
			continue
		}
		r.nonces[string(n)] = struct{}{}
		added++
	}
	return added, nil
}

func (r *MemoryRepo) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.nonces)), nil
}
