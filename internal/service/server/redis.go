package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type deviceRecord struct {
	DeviceID            uint64 `json:"device_id"`
	EncryptedDeviceInfo []byte `json:"encrypted_device_info,omitempty"`
	LastLoginAt         int64  `json:"last_login_at"`
}

func chatQueueKey(identity string) string { return fmt.Sprintf("to: %s", identity) }

func reflectionQueueKey(group string, deviceID uint64) string {
	return fmt.Sprintf("reflect: %s/%016x", group, deviceID)
}

func devicesKey(group string) string { return fmt.Sprintf("devices: %s", group) }

func sharedDataKey(group string) string { return fmt.Sprintf("shared: %s", group) }

// GetMessagesFromCache takes the chat frames queued for an offline identity.
func (s *MediatorServer) GetMessagesFromCache(ctx context.Context, identity string) ([][]byte, error) {
	vals, err := s.redisService.Drain(ctx, chatQueueKey(identity))
	if err != nil {
		return nil, err
	}
	return toFrames(vals), nil
}

func (s *MediatorServer) PutMessagesToCache(ctx context.Context, identity string, frames ...[]byte) error {
	return s.redisService.RPush(ctx, chatQueueKey(identity), toValues(frames)...)
}

func (s *MediatorServer) queueReflected(ctx context.Context, group string, deviceID uint64, frame []byte) error {
	return s.redisService.RPush(ctx, reflectionQueueKey(group, deviceID), frame)
}

func (s *MediatorServer) drainReflected(ctx context.Context, group string, deviceID uint64) ([][]byte, error) {
	vals, err := s.redisService.Drain(ctx, reflectionQueueKey(group, deviceID))
	if err != nil {
		return nil, err
	}
	return toFrames(vals), nil
}

// saveDevice registers the device in its group and reports whether it was known.
func (s *MediatorServer) saveDevice(ctx context.Context, group string, rec *deviceRecord) (bool, error) {
	field := strconv.FormatUint(rec.DeviceID, 16)
	known, err := s.redisService.HExists(ctx, devicesKey(group), field)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	return known, s.redisService.HSet(ctx, devicesKey(group), field, data)
}

func (s *MediatorServer) devices(ctx context.Context, group string) ([]*deviceRecord, error) {
	vals, err := s.redisService.HGetAll(ctx, devicesKey(group))
	if err != nil {
		return nil, err
	}
	res := make([]*deviceRecord, 0, len(vals))
	for _, v := range vals {
		var rec deviceRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, err
		}
		res = append(res, &rec)
	}
	return res, nil
}

func (s *MediatorServer) removeDevice(ctx context.Context, group string, deviceID uint64) (bool, error) {
	n, err := s.redisService.HDel(ctx, devicesKey(group), strconv.FormatUint(deviceID, 16))
	if err != nil {
		return false, err
	}
	if err := s.redisService.Del(ctx, reflectionQueueKey(group, deviceID)); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MediatorServer) sharedDeviceData(ctx context.Context, group string) ([]byte, error) {
	v, err := s.redisService.Get(ctx, sharedDataKey(group))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func (s *MediatorServer) setSharedDeviceData(ctx context.Context, group string, data []byte) error {
	return s.redisService.Set(ctx, sharedDataKey(group), data, 0)
}

func toFrames(vals []string) [][]byte {
	res := make([][]byte, 0, len(vals))
	for _, v := range vals {
		res = append(res, []byte(v))
	}
	return res
}

func toValues(frames [][]byte) []any {
	res := make([]any, 0, len(frames))
	for _, f := range frames {
		res = append(res, f)
	}
	return res
}
