package notify_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"e2e_mediator/internal/service/notify"
)

func TestFulfilWakesWaiter(t *testing.T) {
	hub := notify.NewHub()
	w, err := hub.Register("reflect:00000001")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !hub.Pending("reflect:00000001") {
		t.Fatalf("key not pending after register")
	}
	if _, err := hub.Register("reflect:00000001"); !errors.Is(err, notify.ErrDuplicateKey) {
		t.Fatalf("want ErrDuplicateKey, got %v", err)
	}

	go hub.Fulfil("reflect:00000001", notify.Result{Value: int64(42)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := w.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Value.(int64) != 42 {
		t.Fatalf("value = %v", r.Value)
	}
	if hub.Pending("reflect:00000001") {
		t.Fatalf("key still pending after fulfil")
	}
	if hub.Fulfil("reflect:00000001", notify.Result{}) {
		t.Fatalf("second fulfil accepted")
	}
}

func TestUnknownKeyIgnored(t *testing.T) {
	hub := notify.NewHub()
	if hub.Fulfil("reflect:deadbeef", notify.Result{}) {
		t.Fatalf("fulfil of unknown key accepted")
	}
}

func TestWaitTimeoutRemovesWaiter(t *testing.T) {
	hub := notify.NewHub()
	w, _ := hub.Register(notify.SendKey("0102", "ECHOECHO"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if hub.Pending(w.Key()) {
		t.Fatalf("waiter leaked after timeout")
	}
	if hub.Fulfil(w.Key(), notify.Result{}) {
		t.Fatalf("late ack accepted")
	}
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	hub := notify.NewHub()
	const n = 50

	keys := make([]string, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range keys {
		keys[i] = notify.SendKey("msg", fmt.Sprintf("PEER%04d", i))
		w, err := hub.Register(keys[i])
		if err != nil {
			t.Fatalf("register %s: %v", keys[i], err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := w.Wait(ctx); err != nil {
				errs <- err
			}
		}()
	}

	for i := n - 1; i >= 0; i-- {
		if !hub.Fulfil(keys[i], notify.Result{}) {
			t.Fatalf("fulfil %s rejected", keys[i])
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("wait: %v", err)
	}
}

func TestFailAll(t *testing.T) {
	hub := notify.NewHub()
	a, _ := hub.Register("a")
	b, _ := hub.Register("b")
	boom := errors.New("connection lost")

	if n := hub.FailAll(boom); n != 2 {
		t.Fatalf("FailAll = %d, want 2", n)
	}
	for _, w := range []*notify.Waiter{a, b} {
		r, err := w.Wait(context.Background())
		if err != nil || !errors.Is(r.Err, boom) {
			t.Fatalf("result = %+v, %v", r, err)
		}
	}
}
