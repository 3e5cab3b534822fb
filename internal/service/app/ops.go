package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"e2e_mediator/internal/model"
	"e2e_mediator/internal/protocol/chat"
	"e2e_mediator/internal/protocol/mediator"
	"e2e_mediator/internal/service/task"
)

var ErrUnknownIdentity = errors.New("identity is not registered in the directory")

// SendText stores an outgoing message and queues its delivery to every recipient.
func (a *App) SendText(ctx context.Context, recipients []string, text string) (*task.Completion, error) {
	messageID, err := chat.NewMessageID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range recipients {
		recipients[i] = strings.ToUpper(recipients[i])
	}

	for _, r := range recipients {
		if err := a.stores.Messages.SaveMessage(ctx, &model.Message{
			MessageID: messageID,
			Direction: model.Outgoing,
			Owner:     a.me.Identity,
			Peer:      r,
			Text:      text,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	return a.outgoing.Enqueue(ctx, &task.SendMessage{
		MessageID:  messageID,
		Recipients: recipients,
		Text:       text,
		CreatedAt:  now,
	})
}

// AddContact looks identity up in the directory and syncs the new contact to the
// other devices.
func (a *App) AddContact(ctx context.Context, identity, nickname string, forwardSecurity bool) (*task.Completion, error) {
	identity = strings.ToUpper(identity)
	if a.directory == nil {
		return nil, fmt.Errorf("no directory configured")
	}
	pub, err := a.directory.FetchPublicKey(ctx, identity)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}

	return a.outgoing.Enqueue(ctx, &task.ContactSync{
		Set: []*mediator.SyncContact{{
			Identity:        identity,
			PublicKey:       pub,
			Nickname:        nickname,
			ForwardSecurity: forwardSecurity,
			CreatedAt:       time.Now().UnixMilli(),
		}},
	})
}

func (a *App) DeleteContact(ctx context.Context, identity string) (*task.Completion, error) {
	return a.outgoing.Enqueue(ctx, &task.ContactSync{Delete: []string{strings.ToUpper(identity)}})
}

// BlockContact updates the blocked flag and syncs it.
func (a *App) BlockContact(ctx context.Context, identity string, blocked bool) (*task.Completion, error) {
	c, err := a.stores.Contacts.FetchContact(ctx, strings.ToUpper(identity))
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", task.ErrContactNotFound, identity)
	}
	return a.outgoing.Enqueue(ctx, &task.ContactSync{
		Set: []*mediator.SyncContact{{
			Identity:        c.Identity,
			PublicKey:       c.PublicKey,
			Nickname:        c.Nickname,
			ForwardSecurity: c.ForwardSecurity,
			Blocked:         blocked,
			CreatedAt:       c.CreatedAt.UnixMilli(),
		}},
	})
}

func (a *App) Contacts(ctx context.Context) ([]*model.Contact, error) {
	return a.stores.Contacts.ListContacts(ctx)
}

// RefreshForwardSecurity queues a refresh of the sessions with identities, or with
// every contact when none are given.
func (a *App) RefreshForwardSecurity(ctx context.Context, identities ...string) (*task.Completion, error) {
	for i := range identities {
		identities[i] = strings.ToUpper(identities[i])
	}
	return a.outgoing.Enqueue(ctx, &task.RefreshForwardSecurity{Identities: identities})
}

// Devices asks the mediator for the devices of the group and waits for the answer.
func (a *App) Devices(ctx context.Context) ([]task.Device, error) {
	def := &task.GetDevicesInfo{}
	c, err := a.outgoing.Enqueue(ctx, def)
	if err != nil {
		return nil, err
	}
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	return def.Devices, nil
}

func (a *App) DropDevice(ctx context.Context, deviceID uint64) (*task.Completion, error) {
	if deviceID == a.me.DeviceID {
		return nil, fmt.Errorf("cannot drop the current device")
	}
	return a.outgoing.Enqueue(ctx, &task.DropDevice{DeviceID: deviceID})
}

func (a *App) Conversation(ctx context.Context, peer string, limit int64) ([]*model.Message, error) {
	return a.stores.Messages.Conversation(ctx, a.me.Identity, strings.ToUpper(peer), limit)
}

// PendingTasks lists the incoming queue followed by the outgoing queue.
func (a *App) PendingTasks() []task.PendingTask {
	return append(a.incoming.Pending(), a.outgoing.Pending()...)
}

func (a *App) CancelTask(ctx context.Context, id string) error {
	err := a.outgoing.Cancel(ctx, id)
	if errors.Is(err, task.ErrTaskNotFound) {
		return a.incoming.Cancel(ctx, id)
	}
	return err
}
