// Package devicegroup derives the per-purpose keys of a multi-device group from the
// 32 byte device group key (DGK) shared by all devices of one identity.
package devicegroup

import (
	"crypto/rand"
	"errors"
	"fmt"

	"e2e_mediator/internal/cryptographic/dh"
	"e2e_mediator/internal/cryptographic/kdf"
)

const (
	KeyLength = 32

	personal = "3ma-mdev"
)

var ErrInvalidKeyLength = errors.New("device group key must be exactly 32 bytes")

type (
	// Keys holds the five subkeys derived from one device group key.
	Keys struct {
		// PathKey (dgpk) authenticates the device group towards the mediator.
		PathKey []byte
		// ReflectKey (dgrk) encrypts reflected envelopes.
		ReflectKey []byte
		// DeviceInfoKey (dgdik) encrypts device info.
		DeviceInfoKey []byte
		// SharedDeviceDataKey (dgsddk) encrypts shared device data.
		SharedDeviceDataKey []byte
		// TransactionScopeKey (dgtsk) encrypts transaction scopes.
		TransactionScopeKey []byte
	}
)

// DeriveKeys derives all subkeys from dgk. Any length other than 32 bytes is rejected.
func DeriveKeys(dgk []byte) (*Keys, error) {
	if len(dgk) != KeyLength {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(dgk))
	}

	var k Keys
	for _, sub := range []struct {
		label string
		dst   *[]byte
	}{
		{"p", &k.PathKey},
		{"r", &k.ReflectKey},
		{"di", &k.DeviceInfoKey},
		{"sdd", &k.SharedDeviceDataKey},
		{"ts", &k.TransactionScopeKey},
	} {
		b, err := kdf.Derive32(dgk, personal, sub.label)
		if err != nil {
			return nil, err
		}
		*sub.dst = b
	}
	return &k, nil
}

// PathPublicKey is the X25519 public key of the path key. The mediator uses it to
// identify the device group.
func (k *Keys) PathPublicKey() ([32]byte, error) {
	return dh.PublicKey(k.PathKey)
}

// NewDeviceGroupKey generates a fresh random device group key.
func NewDeviceGroupKey() ([]byte, error) {
	b := make([]byte, KeyLength)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
