package server

import (
	"sync"
	"time"
)

type (
	// LockHolder is the device currently holding the transaction lock of a group.
	LockHolder struct {
		DeviceID uint64
		// Scope is the encrypted scope as sent by the device, the server cannot read it.
		Scope   []byte
		Expires time.Time
	}

	// LockTable holds at most one transaction lock per device group. Locks expire
	// after their TTL so a vanished device cannot block its group forever.
	LockTable struct {
		mu    sync.Mutex
		now   func() time.Time
		locks map[string]*LockHolder
	}
)

func NewLockTable(now func() time.Time) *LockTable {
	if now == nil {
		now = time.Now
	}
	return &LockTable{now: now, locks: make(map[string]*LockHolder)}
}

// Acquire grants the lock of group to deviceID. When another device holds it, the
// current holder is returned together with false. A device acquiring its own lock
// again refreshes it.
func (t *LockTable) Acquire(group string, deviceID uint64, scope []byte, ttl time.Duration) (LockHolder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if h, ok := t.locks[group]; ok && now.Before(h.Expires) && h.DeviceID != deviceID {
		return *h, false
	}
	h := &LockHolder{
		DeviceID: deviceID,
		Scope:    append([]byte(nil), scope...),
		Expires:  now.Add(ttl),
	}
	t.locks[group] = h
	return *h, true
}

// Release drops the lock of group if deviceID holds it.
func (t *LockTable) Release(group string, deviceID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.locks[group]
	if !ok || h.DeviceID != deviceID {
		return false
	}
	delete(t.locks, group)
	return t.now().Before(h.Expires)
}

func (t *LockTable) Holder(group string) (LockHolder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.locks[group]
	if !ok {
		return LockHolder{}, false
	}
	if !t.now().Before(h.Expires) {
		delete(t.locks, group)
		return LockHolder{}, false
	}
	return *h, true
}
