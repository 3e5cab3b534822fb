package task_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"e2e_mediator/internal/cryptographic/encryption"
	"e2e_mediator/internal/repository/taskqueue"
	"e2e_mediator/internal/service/task"
	"e2e_mediator/internal/service/transaction"
	"e2e_mediator/internal/service/transport"
)

// scriptedExecutor labels tasks by their first refresh identity and fails them
// according to script, one error per attempt.
type scriptedExecutor struct {
	mu     sync.Mutex
	script map[string][]error
	runs   []string
	block  map[string]chan struct{}
	start  chan string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		script: make(map[string][]error),
		block:  make(map[string]chan struct{}),
		start:  make(chan string, 16),
	}
}

func (e *scriptedExecutor) Execute(ctx context.Context, def task.Definition, checkpoint task.Checkpoint) error {
	label := def.(*task.RefreshForwardSecurity).Identities[0]

	e.mu.Lock()
	e.runs = append(e.runs, label)
	var err error
	if errs := e.script[label]; len(errs) > 0 {
		err = errs[0]
		e.script[label] = errs[1:]
	}
	wait := e.block[label]
	e.mu.Unlock()

	e.start <- label
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (e *scriptedExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.runs...)
}

func labelled(label string) task.Definition {
	return &task.RefreshForwardSecurity{Identities: []string{label}}
}

func fastPolicy() task.RetryPolicy {
	return task.RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func waitDone(t *testing.T, c *task.Completion) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %s did not complete", c.ID)
	}
	return err
}

func TestFatalTaskDoesNotBlockQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newScriptedExecutor()
	exec.script["t1"] = []error{fmt.Errorf("boom: %w", task.ErrContactNotFound)}

	m := task.NewManager("test", taskqueue.NewMemoryStore(), exec, fastPolicy())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var completions []*task.Completion
	for _, label := range []string{"t1", "t2", "t3"} {
		c, err := m.Enqueue(ctx, labelled(label))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		completions = append(completions, c)
	}
	m.SetReady(true)

	if err := waitDone(t, completions[0]); !errors.Is(err, task.ErrContactNotFound) {
		t.Fatalf("t1: got %v", err)
	}
	for i, c := range completions[1:] {
		if err := waitDone(t, c); err != nil {
			t.Fatalf("t%d: %v", i+2, err)
		}
	}

	got := exec.executed()
	want := []string{"t1", "t2", "t3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("execution order %v, want %v", got, want)
	}
	if len(m.Pending()) != 0 {
		t.Fatalf("queue not empty: %+v", m.Pending())
	}
}

func TestQueueResumesAfterRestart(t *testing.T) {
	store := taskqueue.NewMemoryStore()

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := task.NewManager("test", store, newScriptedExecutor(), fastPolicy())
	if err := first.Start(ctx1); err != nil {
		t.Fatalf("start: %v", err)
	}
	var ids []string
	for _, label := range []string{"a", "b"} {
		c, err := first.Enqueue(ctx1, labelled(label))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, c.ID)
	}
	// never ready, so nothing ran before the shutdown
	cancel1()
	<-first.Stopped()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	exec := newScriptedExecutor()
	second := task.NewManager("test", store, exec, fastPolicy())
	if err := second.Start(ctx2); err != nil {
		t.Fatalf("restart: %v", err)
	}
	pending := second.Pending()
	if len(pending) != 2 || pending[0].ID != ids[0] || pending[1].ID != ids[1] {
		t.Fatalf("pending after restart: %+v", pending)
	}

	var completions []*task.Completion
	for _, id := range ids {
		c, ok := second.Completion(id)
		if !ok {
			t.Fatalf("no completion for %s", id)
		}
		completions = append(completions, c)
	}

	second.SetReady(true)
	for _, c := range completions {
		if err := waitDone(t, c); err != nil {
			t.Fatalf("task %s: %v", c.ID, err)
		}
	}
	if _, ok := second.Completion(ids[0]); ok {
		t.Fatal("completion of a finished task still registered")
	}
	if got := exec.executed(); fmt.Sprint(got) != "[a b]" {
		t.Fatalf("execution order %v", got)
	}
	records, _ := store.Load(context.Background())
	if len(records) != 0 {
		t.Fatalf("store still holds %d records", len(records))
	}
}

func TestRetryableErrorKeepsTaskAtHead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newScriptedExecutor()
	exec.script["flaky"] = []error{task.ErrAckTimeout, transport.ErrNotLoggedIn}

	m := task.NewManager("test", taskqueue.NewMemoryStore(), exec, fastPolicy())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.SetReady(true)

	c1, _ := m.Enqueue(ctx, labelled("flaky"))
	c2, _ := m.Enqueue(ctx, labelled("next"))
	if err := waitDone(t, c1); err != nil {
		t.Fatalf("flaky: %v", err)
	}
	if err := waitDone(t, c2); err != nil {
		t.Fatalf("next: %v", err)
	}
	if got := exec.executed(); fmt.Sprint(got) != "[flaky flaky flaky next]" {
		t.Fatalf("execution order %v", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newScriptedExecutor()
	exec.script["x"] = []error{task.ErrAckTimeout, task.ErrAckTimeout, task.ErrAckTimeout}

	policy := fastPolicy()
	policy.MaxAttempts = 2
	m := task.NewManager("test", taskqueue.NewMemoryStore(), exec, policy)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.SetReady(true)

	c, _ := m.Enqueue(ctx, labelled("x"))
	err := waitDone(t, c)
	if !errors.Is(err, task.ErrRetriesExhausted) || !errors.Is(err, task.ErrAckTimeout) {
		t.Fatalf("got %v", err)
	}
	if n := len(exec.executed()); n != 2 {
		t.Fatalf("executed %d times, want 2", n)
	}
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newScriptedExecutor()
	release := make(chan struct{})
	exec.block["running"] = release

	m := task.NewManager("test", taskqueue.NewMemoryStore(), exec, fastPolicy())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	running, _ := m.Enqueue(ctx, labelled("running"))
	queued, _ := m.Enqueue(ctx, labelled("queued"))
	m.SetReady(true)

	select {
	case <-exec.start:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not start")
	}

	if err := m.Cancel(ctx, running.ID); !errors.Is(err, task.ErrTaskInFlight) {
		t.Fatalf("cancel in flight: got %v", err)
	}
	if err := m.Cancel(ctx, queued.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if err := waitDone(t, queued); !errors.Is(err, task.ErrCanceled) {
		t.Fatalf("canceled completion: got %v", err)
	}
	if err := m.Cancel(ctx, "missing"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("cancel unknown: got %v", err)
	}

	close(release)
	if err := waitDone(t, running); err != nil {
		t.Fatalf("running: %v", err)
	}
	if got := exec.executed(); fmt.Sprint(got) != "[running]" {
		t.Fatalf("execution order %v", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want task.Class
	}{
		{fmt.Errorf("send: %w", transport.ErrNotLoggedIn), task.ClassRetryable},
		{task.ErrAckTimeout, task.ClassRetryable},
		{transaction.ErrLockTimeout, task.ClassRetryable},
		{transaction.ErrOtherTransactionInProgress, task.ClassTransactionFatal},
		{transaction.ErrMultiDeviceNotRegistered, task.ClassTransactionFatal},
		{fmt.Errorf("open: %w", encryption.ErrDecryptionFailed), task.ClassIntegrity},
		{task.ErrContactNotFound, task.ClassFatal},
		{errors.New("something else"), task.ClassFatal},
	}
	for _, c := range cases {
		if got := task.Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	p := task.DefaultRetryPolicy()
	if got := p.Backoff(1); got != time.Second {
		t.Fatalf("first backoff %v", got)
	}
	if got := p.Backoff(3); got != 4*time.Second {
		t.Fatalf("third backoff %v", got)
	}
	if got := p.Backoff(20); got != 30*time.Second {
		t.Fatalf("capped backoff %v", got)
	}
	if p.Exhausted(1000) {
		t.Fatal("default policy retries forever")
	}
}
