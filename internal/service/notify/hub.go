// Package notify correlates requests with their asynchronous answers. A waiter is
// registered under a key before the request goes out and fulfilled by whoever
// receives the answer.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrDuplicateKey = errors.New("waiter already registered")

type (
	Result struct {
		Value any
		Err   error
	}

	Waiter struct {
		key  string
		hub  *Hub
		done chan Result
	}

	// Hub is safe for concurrent use. Registration and fulfilment are atomic with
	// respect to Pending.
	Hub struct {
		mu      sync.Mutex
		waiters map[string]*Waiter
	}
)

func NewHub() *Hub {
	return &Hub{waiters: make(map[string]*Waiter)}
}

// DevicesInfoKey is the key of the single outstanding GetDevicesInfo request.
const DevicesInfoKey = "devices-info"

func ReflectKey(id fmt.Stringer) string { return "reflect:" + id.String() }

func DropDeviceKey(deviceID uint64) string { return fmt.Sprintf("drop-device:%016x", deviceID) }

// SendKey is the tag under which the server ack of messageID for recipient arrives.
func SendKey(messageID, recipient string) string {
	return "send:" + messageID + ":" + recipient
}

func (h *Hub) Register(key string) (*Waiter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.waiters[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	w := &Waiter{key: key, hub: h, done: make(chan Result, 1)}
	h.waiters[key] = w
	return w, nil
}

// Fulfil completes the waiter for key. It returns false when nobody waits for key,
// which is the case for unknown and already fulfilled keys.
func (h *Hub) Fulfil(key string, r Result) bool {
	h.mu.Lock()
	w, ok := h.waiters[key]
	if ok {
		delete(h.waiters, key)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	w.done <- r
	return true
}

func (h *Hub) Pending(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.waiters[key]
	return ok
}

// FailAll completes every pending waiter with err, used when the connection drops.
func (h *Hub) FailAll(err error) int {
	h.mu.Lock()
	waiters := h.waiters
	h.waiters = make(map[string]*Waiter)
	h.mu.Unlock()

	for _, w := range waiters {
		w.done <- Result{Err: err}
	}
	return len(waiters)
}

func (w *Waiter) Key() string { return w.key }

// Wait blocks until the waiter is fulfilled or ctx is done. On ctx expiry the
// waiter is removed from the hub.
func (w *Waiter) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-w.done:
		return r, nil
	case <-ctx.Done():
		w.Cancel()
		// fulfilled concurrently with the cancellation
		select {
		case r := <-w.done:
			return r, nil
		default:
		}
		return Result{}, ctx.Err()
	}
}

func (w *Waiter) Cancel() {
	w.hub.mu.Lock()
	defer w.hub.mu.Unlock()
	if cur, ok := w.hub.waiters[w.key]; ok && cur == w {
		delete(w.hub.waiters, w.key)
	}
}
