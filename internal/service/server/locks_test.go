package server_test

import (
	"testing"
	"time"

	"e2e_mediator/internal/service/server"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestLockTable(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	locks := server.NewLockTable(c.Now)

	if _, ok := locks.Acquire("g", 1, []byte("scope-1"), time.Minute); !ok {
		t.Fatal("first lock was not granted")
	}
	holder, ok := locks.Acquire("g", 2, []byte("scope-2"), time.Minute)
	if ok {
		t.Fatal("second device got the lock")
	}
	if holder.DeviceID != 1 || string(holder.Scope) != "scope-1" {
		t.Fatalf("holder %+v", holder)
	}
	if _, ok := locks.Acquire("other", 2, nil, time.Minute); !ok {
		t.Fatal("locks of different groups interfere")
	}

	if locks.Release("g", 2) {
		t.Fatal("non holder released the lock")
	}
	if !locks.Release("g", 1) {
		t.Fatal("holder could not release")
	}
	if _, ok := locks.Acquire("g", 2, nil, time.Minute); !ok {
		t.Fatal("lock not granted after release")
	}
}

func TestLockTableExpiry(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	locks := server.NewLockTable(c.Now)

	locks.Acquire("g", 1, nil, 10*time.Second)
	c.now = c.now.Add(11 * time.Second)

	if _, ok := locks.Holder("g"); ok {
		t.Fatal("expired lock still held")
	}
	if _, ok := locks.Acquire("g", 2, nil, 10*time.Second); !ok {
		t.Fatal("expired lock blocks the group")
	}
}
