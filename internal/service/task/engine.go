package task

import (
	"context"
	"fmt"
	"time"

	"e2e_mediator/internal/model"
	"e2e_mediator/internal/protocol/chat"
	"e2e_mediator/internal/protocol/forwardsecurity"
	"e2e_mediator/internal/protocol/mediator"
	"e2e_mediator/internal/service/nonce"
	"e2e_mediator/internal/service/notify"
	"e2e_mediator/internal/service/transaction"
	"e2e_mediator/internal/service/transport"
	"e2e_mediator/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// ContactStore is the part of the entity store the engine needs for contacts.
	// FetchContact returns nil without error for unknown identities.
	ContactStore interface {
		FetchContact(ctx context.Context, identity string) (*model.Contact, error)
		SaveContact(ctx context.Context, c *model.Contact) error
		DeleteContact(ctx context.Context, identity string) error
		ListContacts(ctx context.Context) ([]*model.Contact, error)
	}

	MessageStore interface {
		SaveMessage(ctx context.Context, m *model.Message) error
		GetMessage(ctx context.Context, owner, messageID string) (*model.Message, error)
		MarkSent(ctx context.Context, owner, messageID string, at time.Time) error
	}

	// Directory looks up public keys of identities that are not contacts yet.
	Directory interface {
		FetchPublicKey(ctx context.Context, identity string) ([]byte, error)
	}

	Deps struct {
		Identity    *model.Identity
		Transport   transport.Transport
		Hub         *notify.Hub
		Contacts    ContactStore
		Messages    MessageStore
		Nonces      *nonce.Guard
		Sessions    forwardsecurity.SessionStore
		Coordinator *transaction.Coordinator
		// Crypto is nil when the device is not part of a device group.
		Crypto *mediator.Crypto
		// Directory is optional. Without it messages from unknown senders are rejected.
		Directory  Directory
		AckTimeout time.Duration
		// OnMessage is called for every message stored by the engine.
		OnMessage func(*model.Message)
	}

	// Engine executes task definitions against the mediator.
	Engine struct {
		me          *model.Identity
		transport   transport.Transport
		hub         *notify.Hub
		contacts    ContactStore
		messages    MessageStore
		nonces      *nonce.Guard
		fs          *forwardsecurity.Processor
		coordinator *transaction.Coordinator
		crypto      *mediator.Crypto
		directory   Directory
		ackTimeout  time.Duration
		onMessage   func(*model.Message)
	}
)

func NewEngine(d Deps) *Engine {
	if d.AckTimeout <= 0 {
		d.AckTimeout = 20 * time.Second
	}
	e := &Engine{
		me:          d.Identity,
		transport:   d.Transport,
		hub:         d.Hub,
		contacts:    d.Contacts,
		messages:    d.Messages,
		nonces:      d.Nonces,
		coordinator: d.Coordinator,
		crypto:      d.Crypto,
		directory:   d.Directory,
		ackTimeout:  d.AckTimeout,
		onMessage:   d.OnMessage,
	}
	e.fs = forwardsecurity.NewProcessor(d.Identity, d.Sessions, d.Contacts, e)
	return e
}

func (e *Engine) ForwardSecurity() *forwardsecurity.Processor { return e.fs }

func (e *Engine) multiDevice() bool { return e.crypto != nil }

// Execute runs def once. Unmet preconditions either skip the task for good or keep
// it queued.
func (e *Engine) Execute(ctx context.Context, def Definition, checkpoint Checkpoint) error {
	if err := e.checkPreconditions(def); err != nil {
		return err
	}

	switch d := def.(type) {
	case *SendMessage:
		return e.sendMessage(ctx, d, checkpoint)
	case *ContactSync:
		return e.contactSync(ctx, d)
	case *RefreshForwardSecurity:
		return e.refreshForwardSecurity(ctx, d)
	case *GetDevicesInfo:
		return e.getDevicesInfo(ctx, d)
	case *DropDevice:
		return e.dropDevice(ctx, d)
	case *ReceiveMessage:
		return e.receiveMessage(ctx, d, checkpoint)
	case *ReceiveReflected:
		return e.receiveReflected(ctx, d)
	}
	return fmt.Errorf("unsupported task %T", def)
}

func (e *Engine) checkPreconditions(def Definition) error {
	switch d := def.(type) {
	case *SendMessage:
		if len(d.Recipients) == 0 {
			return fmt.Errorf("%w: message %s has no recipients", ErrSkipped, d.MessageID)
		}
	case *ContactSync:
		if len(d.Set) == 0 && len(d.Delete) == 0 {
			return fmt.Errorf("%w: empty contact sync", ErrSkipped)
		}
	case *GetDevicesInfo, *DropDevice, *ReceiveReflected:
		if !e.multiDevice() {
			return transaction.ErrMultiDeviceNotRegistered
		}
	}
	return nil
}

// SendContent boxes c for peer and waits for the server ack. It is used for forward
// security control messages.
func (e *Engine) SendContent(ctx context.Context, peer string, c *chat.Content) error {
	contact, err := e.contacts.FetchContact(ctx, peer)
	if err != nil {
		return err
	}
	if contact == nil {
		return fmt.Errorf("%w: %s", ErrContactNotFound, peer)
	}
	messageID, err := chat.NewMessageID()
	if err != nil {
		return err
	}
	_, err = e.sendBoxed(ctx, contact, messageID, c)
	return err
}

// sendBoxed seals content for contact, sends it through the proxy and waits for the
// server ack keyed by message id and recipient. It returns the nonce of the box.
func (e *Engine) sendBoxed(ctx context.Context, contact *model.Contact, messageID string, content *chat.Content) ([]byte, error) {
	n, box, err := chat.Seal(content, e.me.PrivateKey, contact.PublicKey)
	if err != nil {
		return nil, err
	}
	// our own nonce must never be accepted as incoming, also not when reflected back
	if err := e.nonces.MarkProcessed(ctx, n); err != nil {
		return nil, err
	}

	frame, err := chat.EncodeFrame(&chat.Frame{Message: &chat.BoxedMessage{
		MessageID: messageID,
		From:      e.me.Identity,
		To:        contact.Identity,
		CreatedAt: time.Now().UnixMilli(),
		Nonce:     n,
		Box:       box,
	}})
	if err != nil {
		return nil, err
	}

	waiter, err := e.hub.Register(notify.SendKey(messageID, contact.Identity))
	if err != nil {
		return nil, err
	}
	defer waiter.Cancel()

	if err := e.transport.Send(ctx, mediator.AddProxyCommonHeader(frame)); err != nil {
		return nil, err
	}
	if _, err := e.await(ctx, waiter, "message "+messageID+" to "+contact.Identity); err != nil {
		return nil, err
	}
	return n, nil
}

// reflect sends env to the other devices and waits for the mediator ack.
func (e *Engine) reflect(ctx context.Context, env *mediator.Envelope) (time.Time, error) {
	id, wire, err := e.crypto.EncryptEnvelope(env)
	if err != nil {
		return time.Time{}, err
	}
	waiter, err := e.hub.Register(notify.ReflectKey(id))
	if err != nil {
		return time.Time{}, err
	}
	defer waiter.Cancel()

	if err := e.transport.Send(ctx, wire); err != nil {
		return time.Time{}, err
	}
	r, err := e.await(ctx, waiter, "reflect "+id.String())
	if err != nil {
		return time.Time{}, err
	}
	ts, _ := r.Value.(time.Time)
	log.Debug("reflected", zap.Stringer("reflect_id", id), zap.String("content", env.Content()), zap.Time("acked_at", ts))
	return ts, nil
}

func (e *Engine) await(ctx context.Context, waiter *notify.Waiter, what string) (notify.Result, error) {
	actx, cancel := context.WithTimeout(ctx, e.ackTimeout)
	defer cancel()

	r, err := waiter.Wait(actx)
	if err != nil {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		return r, fmt.Errorf("%w: %s", ErrAckTimeout, what)
	}
	if r.Err != nil {
		return r, r.Err
	}
	return r, nil
}

func (e *Engine) emit(m *model.Message) {
	if e.onMessage != nil {
		e.onMessage(m)
	}
}
