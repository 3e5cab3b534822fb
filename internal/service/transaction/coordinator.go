// Package transaction runs work under an exclusive scope lock held on the mediator,
// so that only one device of a group mutates shared state at a time.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_mediator/internal/protocol/mediator"
	"e2e_mediator/internal/service/transport"
	"e2e_mediator/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrMultiDeviceNotRegistered   = errors.New("multi-device not registered")
	ErrSameTransactionInProgress  = errors.New("same transaction in progress on another device")
	ErrOtherTransactionInProgress = errors.New("other transaction in progress on another device")
	ErrLockTimeout                = errors.New("lock timeout")
	ErrUnlockTimeout              = errors.New("unlock timeout")
	ErrBadResponse                = errors.New("unexpected mediator response")
)

type State int32

const (
	Idle State = iota
	Locking
	Locked
	Unlocking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Locking:
		return "locking"
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Work is the protected part of a transaction: the local write followed by the
// reflects, each of them acknowledged.
type Work func(ctx context.Context) error

type (
	Config struct {
		LockTimeout   time.Duration
		UnlockTimeout time.Duration
		// TTL asks the mediator to release the lock after TTL seconds, 0 keeps the default.
		TTL uint32
	}

	Coordinator struct {
		transport transport.Transport
		crypto    *mediator.Crypto
		cfg       Config

		sem chan struct{}

		mu      sync.Mutex
		state   State
		inbox   chan mediator.Message
		aborted chan error
	}
)

const inboxSize = 8

func DefaultConfig() Config {
	return Config{
		LockTimeout:   20 * time.Second,
		UnlockTimeout: 20 * time.Second,
	}
}

// NewCoordinator returns a coordinator sending over t. crypto is nil when the device
// has no device group keys, every Run then fails with ErrMultiDeviceNotRegistered.
func NewCoordinator(t transport.Transport, crypto *mediator.Crypto, cfg Config) *Coordinator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	if cfg.UnlockTimeout <= 0 {
		cfg.UnlockTimeout = DefaultConfig().UnlockTimeout
	}
	return &Coordinator{
		transport: t,
		crypto:    crypto,
		cfg:       cfg,
		sem:       make(chan struct{}, 1),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handles reports whether msg belongs to the transaction protocol.
func Handles(msg mediator.Message) bool {
	switch msg.(type) {
	case *mediator.LockAck, *mediator.UnlockAck, *mediator.Rejected, *mediator.ReflectionQueueDry:
		return true
	}
	return false
}

// Deliver hands a mediator response to the attempt in flight. It returns false when
// no attempt is waiting for responses.
func (c *Coordinator) Deliver(msg mediator.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inbox == nil {
		return false
	}
	select {
	case c.inbox <- msg:
	default:
		log.Warn("transaction inbox full, dropping message", zap.Stringer("type", msg.Type()))
	}
	return true
}

// Abort ends the attempt in flight with err, typically because the connection was
// lost. The attempt is detached right away, later responses are not delivered to it.
// It returns false when no attempt is running.
func (c *Coordinator) Abort(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aborted == nil {
		return false
	}
	select {
	case c.aborted <- err:
	default:
	}
	c.inbox = nil
	c.aborted = nil
	return true
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run locks scope, runs work and unlocks again. Attempts are serialised; the local
// state is back to Idle whenever Run returns.
func (c *Coordinator) Run(ctx context.Context, scope mediator.Scope, work Work) (err error) {
	if c.crypto == nil {
		return ErrMultiDeviceNotRegistered
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	encryptedScope, err := c.crypto.EncryptScope(scope)
	if err != nil {
		return err
	}

	inbox := make(chan mediator.Message, inboxSize)
	aborted := make(chan error, 1)
	c.mu.Lock()
	c.state = Locking
	c.inbox = inbox
	c.aborted = aborted
	c.mu.Unlock()

	acquired := false
	defer func() {
		if acquired && err != nil {
			c.releaseAfterFailure(ctx, inbox)
		}
		c.mu.Lock()
		c.state = Idle
		c.inbox = nil
		c.aborted = nil
		c.mu.Unlock()
	}()

	logger := log.Named("transaction").With(zap.Stringer("scope", scope))

	if err := c.transport.Send(ctx, mediator.Encode(&mediator.Lock{EncryptedScope: encryptedScope, TTL: c.cfg.TTL})); err != nil {
		return err
	}

	msg, err := c.await(ctx, inbox, aborted, c.cfg.LockTimeout, ErrLockTimeout)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *mediator.LockAck:
		acquired = true
		c.setState(Locked)
		logger.Debug("transaction locked")
	case *mediator.Rejected:
		return c.rejected(scope, m)
	default:
		return fmt.Errorf("%w: %s while locking", ErrBadResponse, msg.Type())
	}

	if err := c.runWork(ctx, inbox, aborted, work); err != nil {
		return err
	}

	c.setState(Unlocking)
	if err := c.transport.Send(ctx, mediator.Encode(&mediator.Unlock{})); err != nil {
		return err
	}
	msg, err = c.await(ctx, inbox, aborted, c.cfg.UnlockTimeout, ErrUnlockTimeout)
	if err != nil {
		return err
	}
	if _, ok := msg.(*mediator.UnlockAck); !ok {
		return fmt.Errorf("%w: %s while unlocking", ErrBadResponse, msg.Type())
	}
	acquired = false
	logger.Debug("transaction unlocked")
	return nil
}

func (c *Coordinator) rejected(scope mediator.Scope, m *mediator.Rejected) error {
	held, err := c.crypto.DecryptScope(m.EncryptedScope)
	if err != nil {
		return fmt.Errorf("%w: rejected with undecryptable scope: %w", ErrBadResponse, err)
	}
	if held == scope {
		return fmt.Errorf("%w: %s held by device %x", ErrSameTransactionInProgress, held, m.DeviceID)
	}
	return fmt.Errorf("%w: %s held by device %x", ErrOtherTransactionInProgress, held, m.DeviceID)
}

// runWork runs work while watching the inbox. Nothing may arrive while locked.
func (c *Coordinator) runWork(ctx context.Context, inbox <-chan mediator.Message, aborted <-chan error, work Work) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- work(workCtx) }()

	select {
	case err := <-done:
		return err
	case msg := <-inbox:
		cancel()
		<-done
		return fmt.Errorf("%w: %s while locked", ErrBadResponse, msg.Type())
	case err := <-aborted:
		cancel()
		<-done
		return fmt.Errorf("transaction aborted: %w", err)
	}
}

func (c *Coordinator) await(ctx context.Context, inbox <-chan mediator.Message, aborted <-chan error, timeout time.Duration, timeoutErr error) (mediator.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-inbox:
		return msg, nil
	case err := <-aborted:
		return nil, fmt.Errorf("transaction aborted: %w", err)
	case <-timer.C:
		return nil, timeoutErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// releaseAfterFailure sends an Unlock for a lock we still hold and waits a bounded
// time for the ack so it cannot leak into the next attempt.
func (c *Coordinator) releaseAfterFailure(ctx context.Context, inbox <-chan mediator.Message) {
	c.setState(Unlocking)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.UnlockTimeout)
	defer cancel()

	if err := c.transport.Send(ctx, mediator.Encode(&mediator.Unlock{})); err != nil {
		log.Warn("failed to release transaction lock", zap.Error(err))
		return
	}
	for {
		select {
		case msg := <-inbox:
			if _, ok := msg.(*mediator.UnlockAck); ok {
				return
			}
		case <-ctx.Done():
			log.Warn("no unlock ack after failed transaction")
			return
		}
	}
}
