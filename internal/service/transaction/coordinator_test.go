package transaction_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"e2e_mediator/internal/protocol/devicegroup"
	"e2e_mediator/internal/protocol/mediator"
	"e2e_mediator/internal/service/transaction"
	"e2e_mediator/internal/service/transport"
)

// scriptedMediator answers Lock and Unlock with canned responses.
type scriptedMediator struct {
	coordinator *transaction.Coordinator

	onLock   []mediator.Message
	onUnlock []mediator.Message

	mu   sync.Mutex
	sent []mediator.MessageType
}

func (m *scriptedMediator) Send(ctx context.Context, frame []byte) error {
	msg, err := mediator.Decode(frame)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg.Type())
	m.mu.Unlock()

	var replies []mediator.Message
	switch msg.(type) {
	case *mediator.Lock:
		replies = m.onLock
	case *mediator.Unlock:
		replies = m.onUnlock
	}
	for _, r := range replies {
		m.coordinator.Deliver(r)
	}
	return nil
}

func (m *scriptedMediator) sentTypes() []mediator.MessageType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mediator.MessageType(nil), m.sent...)
}

func newCrypto(t *testing.T) *mediator.Crypto {
	t.Helper()
	dgk := make([]byte, devicegroup.KeyLength)
	for i := range dgk {
		dgk[i] = byte(i)
	}
	keys, err := devicegroup.DeriveKeys(dgk)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return mediator.NewCrypto(keys)
}

func setup(t *testing.T, onLock, onUnlock []mediator.Message) (*transaction.Coordinator, *scriptedMediator) {
	t.Helper()
	m := &scriptedMediator{onLock: onLock, onUnlock: onUnlock}
	c := transaction.NewCoordinator(m, newCrypto(t), transaction.Config{
		LockTimeout:   50 * time.Millisecond,
		UnlockTimeout: 50 * time.Millisecond,
	})
	m.coordinator = c
	return c, m
}

func rejectedWith(t *testing.T, scope mediator.Scope) *mediator.Rejected {
	t.Helper()
	enc, err := newCrypto(t).EncryptScope(scope)
	if err != nil {
		t.Fatalf("encrypt scope: %v", err)
	}
	return &mediator.Rejected{DeviceID: 0x42, EncryptedScope: enc}
}

func noWork(ctx context.Context) error { return nil }

func TestLockAckUnlockAck(t *testing.T) {
	c, m := setup(t, []mediator.Message{&mediator.LockAck{}}, []mediator.Message{&mediator.UnlockAck{}})

	var stateDuringWork transaction.State
	err := c.Run(context.Background(), mediator.ScopeContactSync, func(ctx context.Context) error {
		stateDuringWork = c.State()
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stateDuringWork != transaction.Locked {
		t.Fatalf("state during work = %s, want locked", stateDuringWork)
	}
	if c.State() != transaction.Idle {
		t.Fatalf("state after run = %s, want idle", c.State())
	}
	sent := m.sentTypes()
	if len(sent) != 2 || sent[0] != mediator.TypeLock || sent[1] != mediator.TypeUnlock {
		t.Fatalf("sent %v", sent)
	}
}

func TestRejectedSameAndOtherScope(t *testing.T) {
	for _, tc := range []struct {
		held mediator.Scope
		want error
	}{
		{mediator.ScopeContactSync, transaction.ErrSameTransactionInProgress},
		{mediator.ScopeSettingsSync, transaction.ErrOtherTransactionInProgress},
	} {
		c, m := setup(t, []mediator.Message{rejectedWith(t, tc.held)}, nil)

		called := false
		err := c.Run(context.Background(), mediator.ScopeContactSync, func(ctx context.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, tc.want) {
			t.Fatalf("held %s: want %v, got %v", tc.held, tc.want, err)
		}
		if called {
			t.Fatalf("held %s: work ran without lock", tc.held)
		}
		if sent := m.sentTypes(); len(sent) != 1 {
			t.Fatalf("held %s: sent %v, want only the lock", tc.held, sent)
		}
		if c.State() != transaction.Idle {
			t.Fatalf("state = %s, want idle", c.State())
		}
	}
}

func TestNoResponseIsLockTimeout(t *testing.T) {
	c, _ := setup(t, nil, nil)

	start := time.Now()
	err := c.Run(context.Background(), mediator.ScopeContactSync, noWork)
	if !errors.Is(err, transaction.ErrLockTimeout) {
		t.Fatalf("want ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("timed out after %s, before the deadline", elapsed)
	}
	if c.State() != transaction.Idle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestSecondLockAckIsBadResponse(t *testing.T) {
	c, m := setup(t, []mediator.Message{&mediator.LockAck{}, &mediator.LockAck{}}, []mediator.Message{&mediator.UnlockAck{}})

	err := c.Run(context.Background(), mediator.ScopeContactSync, noWork)
	if !errors.Is(err, transaction.ErrBadResponse) {
		t.Fatalf("want ErrBadResponse, got %v", err)
	}
	sent := m.sentTypes()
	if sent[len(sent)-1] != mediator.TypeUnlock {
		t.Fatalf("acquired lock not released, sent %v", sent)
	}
	if c.State() != transaction.Idle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestReflectionQueueDryWhileLockingIsBadResponse(t *testing.T) {
	c, _ := setup(t, []mediator.Message{&mediator.ReflectionQueueDry{}}, nil)
	err := c.Run(context.Background(), mediator.ScopeContactSync, noWork)
	if !errors.Is(err, transaction.ErrBadResponse) {
		t.Fatalf("want ErrBadResponse, got %v", err)
	}
	if c.State() != transaction.Idle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestHandles(t *testing.T) {
	for _, msg := range []mediator.Message{&mediator.LockAck{}, &mediator.UnlockAck{}, &mediator.Rejected{}, &mediator.ReflectionQueueDry{}} {
		if !transaction.Handles(msg) {
			t.Fatalf("%s not handled", msg.Type())
		}
	}
	for _, msg := range []mediator.Message{&mediator.ServerInfo{}, &mediator.ReflectAck{}, &mediator.Ended{}} {
		if transaction.Handles(msg) {
			t.Fatalf("%s handled by the coordinator", msg.Type())
		}
	}
}

func waitForState(t *testing.T, c *transaction.Coordinator, want transaction.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", c.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAbortWhileLocking(t *testing.T) {
	m := &scriptedMediator{}
	c := transaction.NewCoordinator(m, newCrypto(t), transaction.Config{LockTimeout: 5 * time.Second, UnlockTimeout: 50 * time.Millisecond})
	m.coordinator = c

	if c.Abort(transport.ErrNotLoggedIn) {
		t.Fatal("abort without a running attempt")
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), mediator.ScopeContactSync, noWork) }()
	waitForState(t, c, transaction.Locking)

	if !c.Abort(transport.ErrNotLoggedIn) {
		t.Fatal("running attempt not aborted")
	}
	// the queue dry of the next login belongs to the login, not to the aborted attempt
	if c.Deliver(&mediator.ReflectionQueueDry{}) {
		t.Fatal("aborted attempt still accepts responses")
	}
	if c.Abort(transport.ErrNotLoggedIn) {
		t.Fatal("attempt aborted twice")
	}
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrNotLoggedIn) {
			t.Fatalf("want ErrNotLoggedIn, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("aborted attempt still waiting for the lock")
	}
	if c.State() != transaction.Idle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestAbortWhileLockedReleases(t *testing.T) {
	c, m := setup(t, []mediator.Message{&mediator.LockAck{}}, []mediator.Message{&mediator.UnlockAck{}})

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), mediator.ScopeContactSync, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	waitForState(t, c, transaction.Locked)
	c.Abort(transport.ErrNotLoggedIn)

	if err := <-done; !errors.Is(err, transport.ErrNotLoggedIn) {
		t.Fatalf("want ErrNotLoggedIn, got %v", err)
	}
	sent := m.sentTypes()
	if sent[len(sent)-1] != mediator.TypeUnlock {
		t.Fatalf("lock not released after abort, sent %v", sent)
	}
}

func TestNotRegistered(t *testing.T) {
	m := &scriptedMediator{}
	c := transaction.NewCoordinator(m, nil, transaction.DefaultConfig())

	err := c.Run(context.Background(), mediator.ScopeContactSync, noWork)
	if !errors.Is(err, transaction.ErrMultiDeviceNotRegistered) {
		t.Fatalf("want ErrMultiDeviceNotRegistered, got %v", err)
	}
	if sent := m.sentTypes(); len(sent) != 0 {
		t.Fatalf("sent %v before failing", sent)
	}
}

func TestWorkErrorReleasesLock(t *testing.T) {
	c, m := setup(t, []mediator.Message{&mediator.LockAck{}}, []mediator.Message{&mediator.UnlockAck{}})
	boom := errors.New("boom")

	if err := c.Run(context.Background(), mediator.ScopeContactSync, func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("want work error, got %v", err)
	}
	sent := m.sentTypes()
	if len(sent) != 2 || sent[1] != mediator.TypeUnlock {
		t.Fatalf("sent %v", sent)
	}

	// the next attempt is not disturbed by the earlier unlock ack
	if err := c.Run(context.Background(), mediator.ScopeContactSync, noWork); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestAttemptsAreSerialised(t *testing.T) {
	c, _ := setup(t, []mediator.Message{&mediator.LockAck{}}, []mediator.Message{&mediator.UnlockAck{}})

	var inside, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Run(context.Background(), mediator.ScopeContactSync, func(ctx context.Context) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()
	if overlaps != 0 {
		t.Fatalf("%d overlapping transactions", overlaps)
	}
}
