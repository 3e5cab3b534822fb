package task

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"e2e_mediator/internal/model"
	"e2e_mediator/internal/protocol/mediator"
	"e2e_mediator/internal/service/notify"
	"e2e_mediator/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// contactSync applies the deltas locally. With a device group this happens inside a
// contact sync transaction and every delta is reflected before it is applied.
// Deltas already matching the stored contacts are dropped, the task is skipped when
// none remain.
func (e *Engine) contactSync(ctx context.Context, d *ContactSync) error {
	set, del, err := e.pendingContactDeltas(ctx, d)
	if err != nil {
		return err
	}
	if len(set) == 0 && len(del) == 0 {
		return fmt.Errorf("%w: contacts already up to date", ErrSkipped)
	}
	if !e.multiDevice() {
		return e.applyContactDeltas(ctx, set, del)
	}

	return e.coordinator.Run(ctx, mediator.ScopeContactSync, func(ctx context.Context) error {
		// other devices may have synced while the lock was pending
		set, del, err := e.pendingContactDeltas(ctx, d)
		if err != nil {
			return err
		}

		// applied only once every reflect was acked
		var g errgroup.Group
		for _, c := range set {
			g.Go(func() error {
				_, err := e.reflect(ctx, &mediator.Envelope{ContactSync: &mediator.ContactSync{Set: c}})
				return err
			})
		}
		for _, identity := range del {
			g.Go(func() error {
				_, err := e.reflect(ctx, &mediator.Envelope{ContactSync: &mediator.ContactSync{Delete: identity}})
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return e.applyContactDeltas(ctx, set, del)
	})
}

// pendingContactDeltas returns the deltas of d that would change the contact store.
func (e *Engine) pendingContactDeltas(ctx context.Context, d *ContactSync) ([]*mediator.SyncContact, []string, error) {
	var (
		set []*mediator.SyncContact
		del []string
	)
	for _, c := range d.Set {
		stored, err := e.contacts.FetchContact(ctx, c.Identity)
		if err != nil {
			return nil, nil, err
		}
		if !contactMatches(stored, c) {
			set = append(set, c)
		}
	}
	for _, identity := range d.Delete {
		stored, err := e.contacts.FetchContact(ctx, identity)
		if err != nil {
			return nil, nil, err
		}
		if stored != nil {
			del = append(del, identity)
		}
	}
	return set, del, nil
}

func contactMatches(stored *model.Contact, s *mediator.SyncContact) bool {
	if stored == nil {
		return false
	}
	if len(s.PublicKey) > 0 && !bytes.Equal(stored.PublicKey, s.PublicKey) {
		return false
	}
	if s.CreatedAt != 0 && stored.CreatedAt.UnixMilli() != s.CreatedAt {
		return false
	}
	return stored.Nickname == s.Nickname &&
		stored.ForwardSecurity == s.ForwardSecurity &&
		stored.Blocked == s.Blocked
}

func (e *Engine) applyContactDeltas(ctx context.Context, set []*mediator.SyncContact, del []string) error {
	for _, c := range set {
		if err := e.applyContactSync(ctx, &mediator.ContactSync{Set: c}); err != nil {
			return err
		}
	}
	for _, identity := range del {
		if err := e.applyContactSync(ctx, &mediator.ContactSync{Delete: identity}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyContactSync(ctx context.Context, s *mediator.ContactSync) error {
	if s.Set == nil {
		return e.contacts.DeleteContact(ctx, s.Delete)
	}

	c, err := e.contacts.FetchContact(ctx, s.Set.Identity)
	if err != nil {
		return err
	}
	if c == nil {
		c = &model.Contact{Identity: s.Set.Identity, State: model.ContactActive, CreatedAt: time.Now()}
	}
	if len(s.Set.PublicKey) > 0 {
		c.PublicKey = s.Set.PublicKey
	}
	if s.Set.CreatedAt != 0 {
		c.CreatedAt = time.UnixMilli(s.Set.CreatedAt)
	}
	c.Nickname = s.Set.Nickname
	c.ForwardSecurity = s.Set.ForwardSecurity
	c.Blocked = s.Set.Blocked
	return e.contacts.SaveContact(ctx, c)
}

func (e *Engine) refreshForwardSecurity(ctx context.Context, d *RefreshForwardSecurity) error {
	identities := d.Identities
	if len(identities) == 0 {
		contacts, err := e.contacts.ListContacts(ctx)
		if err != nil {
			return err
		}
		for _, c := range contacts {
			identities = append(identities, c.Identity)
		}
	}
	_, err := e.fs.Refresh(ctx, identities)
	return err
}

func (e *Engine) getDevicesInfo(ctx context.Context, d *GetDevicesInfo) error {
	waiter, err := e.hub.Register(notify.DevicesInfoKey)
	if err != nil {
		return err
	}
	defer waiter.Cancel()

	if err := e.transport.Send(ctx, mediator.Encode(&mediator.GetDevicesInfo{})); err != nil {
		return err
	}
	r, err := e.await(ctx, waiter, "devices info")
	if err != nil {
		return err
	}
	info, ok := r.Value.(*mediator.DevicesInfo)
	if !ok {
		return fmt.Errorf("%w: devices info of type %T", ErrMalformedResponse, r.Value)
	}

	d.Devices = d.Devices[:0]
	for _, dev := range info.Devices {
		device := Device{ID: dev.DeviceID}
		if dev.LastLoginAt != 0 {
			device.LastLoginAt = time.UnixMilli(int64(dev.LastLoginAt))
		}
		if di, err := e.crypto.DecryptDeviceInfo(dev.EncryptedDeviceInfo); err == nil {
			device.Label = di.Label
			device.Platform = di.Platform
		} else {
			log.Warn("undecryptable device info", zap.Uint64("device_id", dev.DeviceID), zap.Error(err))
		}
		d.Devices = append(d.Devices, device)
	}
	return nil
}

func (e *Engine) dropDevice(ctx context.Context, d *DropDevice) error {
	waiter, err := e.hub.Register(notify.DropDeviceKey(d.DeviceID))
	if err != nil {
		return err
	}
	defer waiter.Cancel()

	if err := e.transport.Send(ctx, mediator.Encode(&mediator.DropDevice{DeviceID: d.DeviceID})); err != nil {
		return err
	}
	if _, err := e.await(ctx, waiter, fmt.Sprintf("drop device %x", d.DeviceID)); err != nil {
		return err
	}
	log.Info("device dropped", zap.Uint64("device_id", d.DeviceID))
	return nil
}
