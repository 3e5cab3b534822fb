package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_mediator/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// Store persists the encoded queue, in execution order.
	Store interface {
		Load(ctx context.Context) ([][]byte, error)
		Save(ctx context.Context, records [][]byte) error
	}

	// Checkpoint persists the queue including the progress of the running task.
	Checkpoint func(ctx context.Context) error

	Executor interface {
		Execute(ctx context.Context, def Definition, checkpoint Checkpoint) error
	}

	Item struct {
		ID         string
		Definition Definition
		Attempts   int
		LastError  string
		EnqueuedAt time.Time
	}

	// Completion reports the terminal outcome of one task.
	Completion struct {
		ID   string
		done chan struct{}
		err  error
	}

	PendingTask struct {
		ID        string
		Kind      Kind
		Attempts  int
		LastError string
		InFlight  bool
	}

	// Manager owns one durable queue and drains it with a single worker, strictly
	// in insertion order.
	Manager struct {
		name   string
		store  Store
		exec   Executor
		policy RetryPolicy

		mu          sync.Mutex
		items       []*Item
		completions map[string]*Completion
		inFlight    string
		ready       bool
		started     bool

		wake    chan struct{}
		stopped chan struct{}
	}

	record struct {
		ID         string          `json:"id"`
		Kind       Kind            `json:"kind"`
		Attempts   int             `json:"attempts,omitempty"`
		LastError  string          `json:"last_error,omitempty"`
		EnqueuedAt time.Time       `json:"enqueued_at"`
		Definition json.RawMessage `json:"definition"`
	}
)

func newCompletion(id string) *Completion {
	return &Completion{ID: id, done: make(chan struct{})}
}

func (c *Completion) complete(err error) {
	c.err = err
	close(c.done)
}

func (c *Completion) Done() <-chan struct{} { return c.done }

// Wait blocks until the task reached a terminal state and returns its error.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func NewManager(name string, store Store, exec Executor, policy RetryPolicy) *Manager {
	return &Manager{
		name:        name,
		store:       store,
		exec:        exec,
		policy:      policy,
		completions: make(map[string]*Completion),
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
}

// Start reloads the persisted queue and starts the worker. The worker stops with ctx.
func (m *Manager) Start(ctx context.Context) error {
	records, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s queue: %w", m.name, err)
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("%s queue already started", m.name)
	}
	m.started = true
	for _, raw := range records {
		item, err := decodeItem(raw)
		if err != nil {
			log.Error("dropping undecodable task", zap.String("queue", m.name), zap.Error(err))
			continue
		}
		m.items = append(m.items, item)
		m.completions[item.ID] = newCompletion(item.ID)
	}
	resumed := len(m.items)
	m.mu.Unlock()

	if resumed > 0 {
		log.Info("resuming task queue", zap.String("queue", m.name), zap.Int("tasks", resumed))
	}

	go m.loop(ctx)
	m.notify()
	return nil
}

// Stopped is closed once the worker exited.
func (m *Manager) Stopped() <-chan struct{} { return m.stopped }

// SetReady opens or closes the gate in front of the worker. Tasks only start while
// the manager is ready; a running task is not interrupted.
func (m *Manager) SetReady(ready bool) {
	m.mu.Lock()
	m.ready = ready
	m.mu.Unlock()
	m.notify()
}

// Enqueue appends def to the queue and persists it. It does not wait for execution.
func (m *Manager) Enqueue(ctx context.Context, def Definition) (*Completion, error) {
	item := &Item{
		ID:         uuid.NewString(),
		Definition: def,
		EnqueuedAt: time.Now(),
	}
	c := newCompletion(item.ID)

	m.mu.Lock()
	m.items = append(m.items, item)
	m.completions[item.ID] = c
	if err := m.persistLocked(ctx); err != nil {
		m.items = m.items[:len(m.items)-1]
		delete(m.completions, item.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("enqueue %s: %w", def.Kind(), err)
	}
	m.mu.Unlock()

	log.Debug("task enqueued", zap.String("queue", m.name), zap.String("id", item.ID), zap.String("kind", string(def.Kind())))
	m.notify()
	return c, nil
}

// Completion returns the completion of a queued task, also for tasks reloaded on start.
// Finished tasks are forgotten, callers look their completion up before the task ran.
func (m *Manager) Completion(id string) (*Completion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.completions[id]
	return c, ok
}

// Cancel removes a task that did not start yet.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.inFlight == id {
		m.mu.Unlock()
		return ErrTaskInFlight
	}
	idx := m.indexLocked(id)
	if idx < 0 {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	item := m.items[idx]
	m.items = append(m.items[:idx:idx], m.items[idx+1:]...)
	err := m.persistLocked(ctx)
	c := m.completions[id]
	delete(m.completions, id)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	log.Info("task canceled", zap.String("queue", m.name), zap.String("id", id), zap.String("kind", string(item.Definition.Kind())))
	c.complete(ErrCanceled)
	return nil
}

func (m *Manager) Pending() []PendingTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]PendingTask, 0, len(m.items))
	for _, it := range m.items {
		res = append(res, PendingTask{
			ID:        it.ID,
			Kind:      it.Definition.Kind(),
			Attempts:  it.Attempts,
			LastError: it.LastError,
			InFlight:  it.ID == m.inFlight,
		})
	}
	return res
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.stopped)
	for {
		item := m.head()
		if item == nil {
			select {
			case <-m.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		delay, ok := m.runNext(ctx, item)
		if !ok {
			return
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

// head marks the first task as in flight and returns it.
func (m *Manager) head() *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready || len(m.items) == 0 {
		return nil
	}
	m.inFlight = m.items[0].ID
	return m.items[0]
}

// runNext executes item, which is the head of the queue, and settles its outcome.
// It returns the backoff before the next attempt and false when the manager stops.
func (m *Manager) runNext(ctx context.Context, item *Item) (time.Duration, bool) {
	logger := log.Named("task").With(
		zap.String("queue", m.name),
		zap.String("id", item.ID),
		zap.String("kind", string(item.Definition.Kind())),
	)
	logger.Debug("task started", zap.Int("attempts", item.Attempts))

	err := m.exec.Execute(ctx, item.Definition, func(cctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.persistLocked(cctx)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = ""

	if err != nil && ctx.Err() != nil {
		// shutting down, the task stays at the head and runs again after restart
		logger.Debug("task interrupted", zap.Error(err))
		return 0, false
	}

	if err == nil || errors.Is(err, ErrSkipped) {
		if err != nil {
			logger.Info("task skipped", zap.Error(err))
		} else {
			logger.Debug("task done")
		}
		m.finishLocked(ctx, item, nil)
		return 0, true
	}

	class := Classify(err)
	if class != ClassRetryable {
		logger.Warn("task failed", zap.Stringer("class", class), zap.Error(err))
		m.finishLocked(ctx, item, err)
		return 0, true
	}

	item.Attempts++
	item.LastError = err.Error()
	if m.policy.Exhausted(item.Attempts) {
		logger.Warn("task retries exhausted", zap.Int("attempts", item.Attempts), zap.Error(err))
		m.finishLocked(ctx, item, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, item.Attempts, err))
		return 0, true
	}
	if perr := m.persistLocked(ctx); perr != nil {
		logger.Error("failed to persist task queue", zap.Error(perr))
	}
	delay := m.policy.Backoff(item.Attempts)
	logger.Info("task will be retried", zap.Int("attempts", item.Attempts), zap.Duration("backoff", delay), zap.Error(err))
	return delay, true
}

func (m *Manager) finishLocked(ctx context.Context, item *Item, err error) {
	if idx := m.indexLocked(item.ID); idx >= 0 {
		m.items = append(m.items[:idx:idx], m.items[idx+1:]...)
	}
	if perr := m.persistLocked(ctx); perr != nil {
		log.Error("failed to persist task queue", zap.String("queue", m.name), zap.Error(perr))
	}
	if c, ok := m.completions[item.ID]; ok {
		delete(m.completions, item.ID)
		c.complete(err)
	}
}

func (m *Manager) indexLocked(id string) int {
	for i, it := range m.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) persistLocked(ctx context.Context) error {
	records := make([][]byte, 0, len(m.items))
	for _, it := range m.items {
		raw, err := encodeItem(it)
		if err != nil {
			return err
		}
		records = append(records, raw)
	}
	return m.store.Save(ctx, records)
}

func encodeItem(it *Item) ([]byte, error) {
	def, err := json.Marshal(it.Definition)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", it.ID, err)
	}
	return json.Marshal(record{
		ID:         it.ID,
		Kind:       it.Definition.Kind(),
		Attempts:   it.Attempts,
		LastError:  it.LastError,
		EnqueuedAt: it.EnqueuedAt,
		Definition: def,
	})
}

func decodeItem(raw []byte) (*Item, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	def, err := newDefinition(r.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Definition, def); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", r.ID, err)
	}
	return &Item{
		ID:         r.ID,
		Definition: def,
		Attempts:   r.Attempts,
		LastError:  r.LastError,
		EnqueuedAt: r.EnqueuedAt,
	}, nil
}
