package app

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"e2e_mediator/internal/cryptographic/dh"
	"e2e_mediator/internal/model"
	"e2e_mediator/internal/protocol/devicegroup"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	IdentityStore interface {
		GetByIdentity(ctx context.Context, identity string) (*model.Identity, error)
		Create(ctx context.Context, id *model.Identity) (primitive.ObjectID, error)
		Save(ctx context.Context, id *model.Identity) error
	}

	// IdentityParams selects the identity of this device. PrivateKey and GroupKey are
	// set when the device joins an identity that already exists on another device.
	IdentityParams struct {
		Identity   string
		Nickname   string
		DeviceID   uint64
		PrivateKey []byte
		GroupKey   []byte
	}
)

// LoadOrCreateIdentity returns the stored identity, creating it on first use.
func LoadOrCreateIdentity(ctx context.Context, store IdentityStore, p IdentityParams) (*model.Identity, error) {
	identity := strings.ToUpper(p.Identity)
	if len(identity) != 8 {
		return nil, fmt.Errorf("identity %q must be 8 characters", p.Identity)
	}
	if p.GroupKey != nil && len(p.GroupKey) != devicegroup.KeyLength {
		return nil, fmt.Errorf("%w: got %d", devicegroup.ErrInvalidKeyLength, len(p.GroupKey))
	}

	id, err := store.GetByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if id != nil {
		if p.PrivateKey != nil && !bytes.Equal(p.PrivateKey, id.PrivateKey) {
			return nil, fmt.Errorf("identity %s already exists with another key", identity)
		}
		changed := false
		if p.GroupKey != nil && !bytes.Equal(p.GroupKey, id.DeviceGroupKey) {
			id.DeviceGroupKey = p.GroupKey
			changed = true
		}
		if p.DeviceID != 0 && p.DeviceID != id.DeviceID {
			id.DeviceID = p.DeviceID
			changed = true
		}
		if changed {
			if err := store.Save(ctx, id); err != nil {
				return nil, err
			}
		}
		return id, nil
	}

	id = &model.Identity{
		Identity:       identity,
		Nickname:       p.Nickname,
		DeviceGroupKey: p.GroupKey,
		DeviceID:       p.DeviceID,
	}
	if p.PrivateKey != nil {
		pub, err := dh.PublicKey(p.PrivateKey)
		if err != nil {
			return nil, err
		}
		id.PrivateKey = p.PrivateKey
		id.PublicKey = pub[:]
	} else {
		priv, pub, err := dh.NewX25519KeyPair()
		if err != nil {
			return nil, err
		}
		id.PrivateKey = priv[:]
		id.PublicKey = pub[:]
	}
	if id.DeviceGroupKey == nil {
		if id.DeviceGroupKey, err = devicegroup.NewDeviceGroupKey(); err != nil {
			return nil, err
		}
	}

	if _, err := store.Create(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}
