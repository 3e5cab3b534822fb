package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_mediator/internal/model"
	"e2e_mediator/internal/protocol/chat"
	"e2e_mediator/internal/protocol/forwardsecurity"
	"e2e_mediator/internal/protocol/mediator"
	msgRepo "e2e_mediator/internal/repository/message"
	"e2e_mediator/internal/utils/log"

	"go.uber.org/zap"
)

func (e *Engine) receiveMessage(ctx context.Context, d *ReceiveMessage, checkpoint Checkpoint) error {
	frame, err := chat.DecodeFrame(d.Frame)
	if err != nil {
		return err
	}
	m := frame.Message
	if m == nil {
		return fmt.Errorf("%w: expected a message frame", ErrMalformedResponse)
	}
	if m.To != e.me.Identity {
		return fmt.Errorf("%w: message %s is for %s", ErrSenderMismatch, m.MessageID, m.To)
	}

	logger := log.Named("receive").With(zap.String("from", m.From), zap.String("message_id", m.MessageID))

	processed, err := e.nonces.IsProcessed(ctx, m.Nonce)
	if err != nil {
		return err
	}
	if processed {
		logger.Info("dropping replayed message")
		return e.ackIncoming(ctx, m)
	}

	contact, err := e.senderContact(ctx, m.From)
	if err != nil {
		return err
	}
	if contact.Blocked {
		logger.Info("dropping message of blocked contact")
		if err := e.nonces.MarkProcessed(ctx, m.Nonce); err != nil {
			return err
		}
		return e.ackIncoming(ctx, m)
	}

	var content *chat.Content
	if opened := d.opened(); opened != nil {
		if content, err = chat.UnmarshalContent(opened); err != nil {
			return err
		}
		logger.Debug("resuming with content opened by an earlier attempt")
	} else {
		content, err = chat.Open(m, e.me.PrivateKey, contact.PublicKey)
		if err != nil {
			// the box will never open, ack it so the server stops delivering it
			if ackErr := e.ackIncoming(ctx, m); ackErr != nil {
				logger.Warn("failed to ack undecryptable message", zap.Error(ackErr))
			}
			return fmt.Errorf("message %s from %s: %w", m.MessageID, m.From, err)
		}
	}

	if err := e.handleContent(ctx, d, m, content, checkpoint); err != nil {
		if !errors.Is(err, forwardsecurity.ErrUnknownSession) && !errors.Is(err, forwardsecurity.ErrInvalidSession) {
			return err
		}
		// the peer got a Reject and starts over, the message itself is lost
		logger.Warn("dropping message of broken fs session", zap.Error(err))
		if err := e.nonces.MarkProcessed(ctx, m.Nonce); err != nil {
			return err
		}
		if ackErr := e.ackIncoming(ctx, m); ackErr != nil {
			return ackErr
		}
		return err
	}

	if err := e.nonces.MarkProcessed(ctx, m.Nonce); err != nil {
		return err
	}
	return e.ackIncoming(ctx, m)
}

func (e *Engine) handleContent(ctx context.Context, d *ReceiveMessage, m *chat.BoxedMessage, content *chat.Content, checkpoint Checkpoint) error {
	switch {
	case forwardsecurity.IsControl(content):
		return e.fs.Process(ctx, m.From, content)
	case content.Type == chat.ContentFSEnvelope:
		inner, err := e.fs.Decapsulate(ctx, m.From, content)
		if err != nil {
			return err
		}
		opened, err := chat.MarshalContent(inner)
		if err != nil {
			return err
		}
		d.setOpened(opened)
		if err := checkpoint(ctx); err != nil {
			return err
		}
		return e.handleContent(ctx, d, m, inner, checkpoint)
	case content.Type == chat.ContentText:
		return e.storeIncoming(ctx, m, content)
	}
	log.Warn("ignoring unsupported content", zap.String("type", string(content.Type)), zap.String("from", m.From))
	return nil
}

func (e *Engine) storeIncoming(ctx context.Context, m *chat.BoxedMessage, content *chat.Content) error {
	createdAt := time.UnixMilli(m.CreatedAt)
	if e.multiDevice() {
		body, err := chat.MarshalContent(content)
		if err != nil {
			return err
		}
		if _, err := e.reflect(ctx, &mediator.Envelope{IncomingMessage: &mediator.IncomingMessage{
			SenderIdentity: m.From,
			MessageID:      m.MessageID,
			CreatedAt:      m.CreatedAt,
			ContentType:    string(content.Type),
			Body:           body,
			Nonce:          m.Nonce,
		}}); err != nil {
			return err
		}
	}

	now := time.Now()
	msg := &model.Message{
		MessageID:  m.MessageID,
		Direction:  model.Incoming,
		Owner:      e.me.Identity,
		Peer:       m.From,
		Text:       content.Text,
		CreatedAt:  createdAt,
		ReceivedAt: &now,
	}
	if err := e.messages.SaveMessage(ctx, msg); err != nil {
		return err
	}
	e.emit(msg)
	return nil
}

// senderContact returns the contact of identity, creating it from the directory
// when possible.
func (e *Engine) senderContact(ctx context.Context, identity string) (*model.Contact, error) {
	contact, err := e.contacts.FetchContact(ctx, identity)
	if err != nil {
		return nil, err
	}
	if contact != nil {
		return contact, nil
	}
	if e.directory == nil {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, identity)
	}

	pub, err := e.directory.FetchPublicKey(ctx, identity)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, identity)
	}
	contact = &model.Contact{
		Identity:        identity,
		PublicKey:       pub,
		State:           model.ContactActive,
		ForwardSecurity: true,
		CreatedAt:       time.Now(),
	}
	if err := e.contacts.SaveContact(ctx, contact); err != nil {
		return nil, err
	}
	log.Info("added contact of unknown sender", zap.String("identity", identity))
	return contact, nil
}

func (e *Engine) ackIncoming(ctx context.Context, m *chat.BoxedMessage) error {
	if m.HasFlag(chat.FlagNoAck) {
		return nil
	}
	frame, err := chat.EncodeFrame(&chat.Frame{Ack: &chat.MessageAck{MessageID: m.MessageID, Identity: m.From}})
	if err != nil {
		return err
	}
	return e.transport.Send(ctx, mediator.AddProxyCommonHeader(frame))
}

func (e *Engine) receiveReflected(ctx context.Context, d *ReceiveReflected) error {
	env, err := e.crypto.OpenEnvelope(d.Envelope)
	if err != nil {
		if ackErr := e.ackReflected(ctx, d.ReflectID); ackErr != nil {
			log.Warn("failed to ack undecryptable reflected message", zap.Error(ackErr))
		}
		return fmt.Errorf("reflected %s: %w", d.ReflectID, err)
	}

	logger := log.Named("reflected").With(zap.Stringer("reflect_id", d.ReflectID), zap.String("content", env.Content()))
	reflectedAt := time.UnixMilli(int64(d.Timestamp))

	switch {
	case env.ContactSync != nil:
		if err := e.applyContactSync(ctx, env.ContactSync); err != nil {
			return err
		}
	case env.IncomingMessage != nil:
		if err := e.applyReflectedIncoming(ctx, env.IncomingMessage, reflectedAt); err != nil {
			return err
		}
	case env.OutgoingMessage != nil:
		if err := e.applyReflectedOutgoing(ctx, env.OutgoingMessage); err != nil {
			return err
		}
	case env.OutgoingMessageSent != nil:
		err := e.messages.MarkSent(ctx, e.me.Identity, env.OutgoingMessageSent.MessageID, reflectedAt)
		if err != nil && !errors.Is(err, msgRepo.ErrMessageNotFound) {
			return err
		}
	default:
		logger.Info("reflected content not handled by this client")
	}

	logger.Debug("reflected message processed")
	return e.ackReflected(ctx, d.ReflectID)
}

func (e *Engine) applyReflectedIncoming(ctx context.Context, in *mediator.IncomingMessage, reflectedAt time.Time) error {
	processed, err := e.nonces.IsProcessed(ctx, in.Nonce)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}
	content, err := chat.UnmarshalContent(in.Body)
	if err != nil {
		return err
	}
	msg := &model.Message{
		MessageID:  in.MessageID,
		Direction:  model.Incoming,
		Owner:      e.me.Identity,
		Peer:       in.SenderIdentity,
		Text:       content.Text,
		CreatedAt:  time.UnixMilli(in.CreatedAt),
		ReceivedAt: &reflectedAt,
		Reflected:  true,
	}
	if err := e.messages.SaveMessage(ctx, msg); err != nil {
		return err
	}
	if err := e.nonces.MarkProcessed(ctx, in.Nonce); err != nil {
		return err
	}
	e.emit(msg)
	return nil
}

func (e *Engine) applyReflectedOutgoing(ctx context.Context, out *mediator.OutgoingMessage) error {
	content, err := chat.UnmarshalContent(out.Body)
	if err != nil {
		return err
	}
	msg := &model.Message{
		MessageID: out.MessageID,
		Direction: model.Outgoing,
		Owner:     e.me.Identity,
		Peer:      out.ReceiverIdentity,
		Text:      content.Text,
		CreatedAt: time.UnixMilli(out.CreatedAt),
		Reflected: true,
	}
	if err := e.messages.SaveMessage(ctx, msg); err != nil {
		return err
	}
	e.emit(msg)
	return nil
}

func (e *Engine) ackReflected(ctx context.Context, id mediator.ReflectID) error {
	return e.transport.Send(ctx, mediator.Encode(&mediator.ReflectedAck{ReflectID: id}))
}
