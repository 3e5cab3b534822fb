// Package app wires one device: the mediator connection, the handshake, the
// dispatcher of incoming frames and the two task queues.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"e2e_mediator/internal/config"
	"e2e_mediator/internal/model"
	"e2e_mediator/internal/protocol/devicegroup"
	"e2e_mediator/internal/protocol/forwardsecurity"
	"e2e_mediator/internal/protocol/mediator"
	"e2e_mediator/internal/service/nonce"
	"e2e_mediator/internal/service/notify"
	"e2e_mediator/internal/service/task"
	"e2e_mediator/internal/service/transaction"
	"e2e_mediator/internal/service/transport"
	"e2e_mediator/internal/utils/log"

	"go.uber.org/zap"
)

type (
	MessageStore interface {
		task.MessageStore
		Conversation(ctx context.Context, owner, peer string, limit int64) ([]*model.Message, error)
	}

	Stores struct {
		Contacts task.ContactStore
		Messages MessageStore
		Sessions forwardsecurity.SessionStore
		Nonces   nonce.Store
		// Incoming and Outgoing persist the two task queues.
		Incoming task.Store
		Outgoing task.Store
	}

	App struct {
		cfg       *config.Config
		me        *model.Identity
		stores    Stores
		directory *Directory

		// crypto authenticates the connection. Reflection only happens when multi-device
		// is enabled.
		crypto      *mediator.Crypto
		multiDevice bool

		hub         *notify.Hub
		ws          *transport.WebSocket
		coordinator *transaction.Coordinator
		engine      *task.Engine
		incoming    *task.Manager
		outgoing    *task.Manager

		loggedIn atomic.Bool
		onReady  func()

		queuesMu   sync.Mutex
		queuesOpen bool
	}
)

// NewApp prepares the device. directory may be nil, messages from unknown senders are
// then dropped. onMessage is called for every stored message.
func NewApp(cfg *config.Config, me *model.Identity, stores Stores, directory *Directory, onMessage func(*model.Message)) (*App, error) {
	keys, err := devicegroup.DeriveKeys(me.DeviceGroupKey)
	if err != nil {
		return nil, err
	}
	groupPub, err := keys.PathPublicKey()
	if err != nil {
		return nil, err
	}
	u, err := transport.MediatorURL(cfg.Mediator.URL, groupPub[:], me.DeviceID, me.Identity)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:         cfg,
		me:          me,
		stores:      stores,
		directory:   directory,
		crypto:      mediator.NewCrypto(keys),
		multiDevice: cfg.MultiDevice.Enabled,
		hub:         notify.NewHub(),
	}
	a.ws = transport.NewWebSocket(u, a.dispatch)

	var reflectCrypto *mediator.Crypto
	if a.multiDevice {
		reflectCrypto = a.crypto
	}
	a.coordinator = transaction.NewCoordinator(a.ws, reflectCrypto, transaction.Config{
		LockTimeout:   cfg.Transaction.LockTimeout,
		UnlockTimeout: cfg.Transaction.UnlockTimeout,
		TTL:           uint32(cfg.Transaction.TTL / time.Second),
	})

	deps := task.Deps{
		Identity:    me,
		Transport:   a.ws,
		Hub:         a.hub,
		Contacts:    stores.Contacts,
		Messages:    stores.Messages,
		Nonces:      nonce.NewGuard(stores.Nonces),
		Sessions:    stores.Sessions,
		Coordinator: a.coordinator,
		Crypto:      reflectCrypto,
		AckTimeout:  cfg.Task.AckTimeout,
		OnMessage:   onMessage,
	}
	if directory != nil {
		deps.Directory = directory
	}
	a.engine = task.NewEngine(deps)

	policy := task.RetryPolicyFromConfig(cfg.Task.Retry)
	a.incoming = task.NewManager("incoming", stores.Incoming, a.engine, policy)
	a.outgoing = task.NewManager("outgoing", stores.Outgoing, a.engine, policy)
	return a, nil
}

func (a *App) Identity() *model.Identity { return a.me }

// OnReady registers f to run every time the outgoing queue opens after a login.
func (a *App) OnReady(f func()) { a.onReady = f }

// OpenQueues loads both persisted queues. Their tasks stay pending until the device
// logged in, so the queues can be inspected without a connection.
func (a *App) OpenQueues(ctx context.Context) error {
	a.queuesMu.Lock()
	defer a.queuesMu.Unlock()
	if a.queuesOpen {
		return nil
	}
	if err := a.incoming.Start(ctx); err != nil {
		return err
	}
	if err := a.outgoing.Start(ctx); err != nil {
		return err
	}
	a.queuesOpen = true
	return nil
}

// Run starts the queues and keeps the mediator connection up until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if err := a.OpenQueues(ctx); err != nil {
		return err
	}

	policy := task.RetryPolicyFromConfig(a.cfg.Task.Retry)
	attempt := 0
	for {
		connectedAt := time.Now()
		err := a.connect(ctx)
		a.loggedOut()
		if ctx.Err() != nil {
			<-a.incoming.Stopped()
			<-a.outgoing.Stopped()
			return nil
		}

		if time.Since(connectedAt) > policy.MaxBackoff {
			attempt = 0
		}
		attempt++
		delay := policy.Backoff(attempt)
		log.Warn("mediator connection lost", zap.Error(err), zap.Duration("reconnect_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

func (a *App) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Mediator.HandshakeTimeout)
	err := a.ws.Dial(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("dial mediator: %w", err)
	}
	log.Info("connected to mediator", zap.String("identity", a.me.Identity), zap.Uint64("device_id", a.me.DeviceID))

	// the handshake must complete in time, otherwise the connection is dropped
	timer := time.AfterFunc(a.cfg.Mediator.HandshakeTimeout, func() {
		if !a.loggedIn.Load() {
			log.Warn("mediator handshake timed out")
			_ = a.ws.Close()
		}
	})
	defer timer.Stop()

	return a.ws.Listen(ctx)
}

func (a *App) loggedOut() {
	a.loggedIn.Store(false)
	a.incoming.SetReady(false)
	a.outgoing.SetReady(false)
	if a.coordinator.Abort(transport.ErrNotLoggedIn) {
		log.Debug("aborted transaction of lost connection")
	}
	if n := a.hub.FailAll(transport.ErrNotLoggedIn); n > 0 {
		log.Debug("failed pending waiters", zap.Int("waiters", n))
	}
}

// Close closes the mediator connection, Run reconnects unless its context is done.
func (a *App) Close() error {
	return a.ws.Close()
}
