// Package taskqueue persists the encoded task queue. Records are opaque JSON
// documents, the order of the slice is the execution order.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"e2e_mediator/internal/service/redis"
)

type (
	RedisStore struct {
		key          string
		redisService *redis.RedisService
	}

	FileStore struct {
		path string
		mu   sync.Mutex
	}

	MemoryStore struct {
		mu      sync.Mutex
		records [][]byte
	}
)

func NewRedisStore(redisService *redis.RedisService, key string) *RedisStore {
	return &RedisStore{key: key, redisService: redisService}
}

func (s *RedisStore) Load(ctx context.Context) ([][]byte, error) {
	vals, err := s.redisService.LRange(ctx, s.key)
	if err != nil {
		return nil, err
	}
	res := make([][]byte, 0, len(vals))
	for _, v := range vals {
		res = append(res, []byte(v))
	}
	return res, nil
}

func (s *RedisStore) Save(ctx context.Context, records [][]byte) error {
	vals := make([]any, 0, len(records))
	for _, r := range records {
		vals = append(vals, r)
	}
	return s.redisService.ReplaceList(ctx, s.key, vals...)
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("task queue file %s: %w", s.path, err)
	}
	res := make([][]byte, 0, len(raw))
	for _, r := range raw {
		res = append(res, []byte(r))
	}
	return res, nil
}

// Save writes the queue to a temporary file and renames it over the old one.
func (s *FileStore) Save(ctx context.Context, records [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		raw = append(raw, json.RawMessage(r))
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(s.records), nil
}

func (s *MemoryStore) Save(ctx context.Context, records [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = copyRecords(records)
	return nil
}

func copyRecords(records [][]byte) [][]byte {
	res := make([][]byte, 0, len(records))
	for _, r := range records {
		res = append(res, append([]byte(nil), r...))
	}
	return res
}
