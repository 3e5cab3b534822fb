package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_mediator/internal/protocol/chat"
	"e2e_mediator/internal/protocol/mediator"
	msgRepo "e2e_mediator/internal/repository/message"
	"e2e_mediator/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (e *Engine) sendMessage(ctx context.Context, d *SendMessage, checkpoint Checkpoint) error {
	logger := log.Named("send").With(zap.String("message_id", d.MessageID))

	if e.multiDevice() && !d.reflected() {
		if err := e.reflectOutgoing(ctx, d); err != nil {
			return err
		}
		d.setReflected()
		if err := checkpoint(ctx); err != nil {
			return err
		}
	}

	// every recipient runs to the end of its own round trip, a failing one does not
	// cancel the others
	var g errgroup.Group
	for _, recipient := range d.Recipients {
		if recipient == e.me.Identity {
			continue
		}
		if d.AlreadySentTo(recipient) {
			logger.Debug("already sent", zap.String("recipient", recipient))
			continue
		}

		g.Go(func() error {
			contact, err := e.contacts.FetchContact(ctx, recipient)
			if err != nil {
				return err
			}
			if contact == nil {
				return fmt.Errorf("%w: %s", ErrContactNotFound, recipient)
			}
			if !contact.Usable() {
				logger.Info("skipping recipient", zap.String("recipient", recipient), zap.String("state", string(contact.State)), zap.Bool("blocked", contact.Blocked))
				return nil
			}

			content := &chat.Content{Type: chat.ContentText, Text: d.Text}
			if contact.ForwardSecurity {
				wrapped, ok, err := e.fs.Encapsulate(ctx, recipient, content)
				if err != nil {
					return err
				}
				if ok {
					content = wrapped
				}
			}

			n, err := e.sendBoxed(ctx, contact, d.MessageID, content)
			if err != nil {
				return err
			}
			d.MarkSent(recipient, n)
			return checkpoint(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	now := time.Now()
	if err := e.messages.MarkSent(ctx, e.me.Identity, d.MessageID, now); err != nil {
		if !errors.Is(err, msgRepo.ErrMessageNotFound) {
			return err
		}
		logger.Warn("sent message is not stored locally")
	}

	if e.multiDevice() {
		g := errgroup.Group{}
		for _, recipient := range d.Recipients {
			if !d.AlreadySentTo(recipient) {
				continue
			}
			g.Go(func() error {
				_, err := e.reflect(ctx, &mediator.Envelope{OutgoingMessageSent: &mediator.OutgoingMessageSent{
					MessageID:        d.MessageID,
					ReceiverIdentity: recipient,
				}})
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	logger.Info("message sent", zap.Int("recipients", len(d.Recipients)))
	return nil
}

// reflectOutgoing tells the other devices about the message, one envelope per
// recipient, all acks awaited together.
func (e *Engine) reflectOutgoing(ctx context.Context, d *SendMessage) error {
	body, err := chat.MarshalContent(&chat.Content{Type: chat.ContentText, Text: d.Text})
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, recipient := range d.Recipients {
		if recipient == e.me.Identity {
			continue
		}
		g.Go(func() error {
			_, err := e.reflect(ctx, &mediator.Envelope{OutgoingMessage: &mediator.OutgoingMessage{
				ReceiverIdentity: recipient,
				MessageID:        d.MessageID,
				CreatedAt:        d.CreatedAt.UnixMilli(),
				ContentType:      string(chat.ContentText),
				Body:             body,
			}})
			return err
		})
	}
	return g.Wait()
}
