package mediator

import (
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"

	"e2e_mediator/internal/cryptographic/encryption"
	"e2e_mediator/internal/protocol/devicegroup"
)

// Crypto seals and opens device group payloads with the subkeys of one device group.
type Crypto struct {
	keys *devicegroup.Keys
}

func NewCrypto(keys *devicegroup.Keys) *Crypto {
	return &Crypto{keys: keys}
}

func (c *Crypto) Keys() *devicegroup.Keys { return c.keys }

// EncryptEnvelope encodes and encrypts env and wraps it into a Reflect message with a
// fresh reflect id. It returns the id and the complete wire bytes.
func (c *Crypto) EncryptEnvelope(env *Envelope) (ReflectID, []byte, error) {
	sealed, err := c.SealEnvelope(env)
	if err != nil {
		return ReflectID{}, nil, err
	}
	id, err := NewReflectID()
	if err != nil {
		return ReflectID{}, nil, err
	}
	return id, Encode(&Reflect{ReflectID: id, Envelope: sealed}), nil
}

// SealEnvelope returns nonce || secretbox of the padded envelope.
func (c *Crypto) SealEnvelope(env *Envelope) ([]byte, error) {
	padded := *env
	padded.Padding = padding()
	plain, err := MarshalEnvelope(&padded)
	if err != nil {
		return nil, err
	}
	sealed, err := encryption.SecretSeal(c.keys.ReflectKey, plain)
	if err != nil {
		return nil, fmt.Errorf("seal envelope: %w", err)
	}
	return sealed, nil
}

// DecryptEnvelope reverses EncryptEnvelope. wire is a Reflect or Reflected message,
// the reflect id embedded in it is returned with the envelope.
func (c *Crypto) DecryptEnvelope(wire []byte) (ReflectID, *Envelope, error) {
	msg, err := Decode(wire)
	if err != nil {
		return ReflectID{}, nil, err
	}
	var (
		id     ReflectID
		sealed []byte
	)
	switch m := msg.(type) {
	case *Reflect:
		id, sealed = m.ReflectID, m.Envelope
	case *Reflected:
		id, sealed = m.ReflectID, m.Envelope
	default:
		return ReflectID{}, nil, fmt.Errorf("%w: %s carries no envelope", ErrMalformedEnvelope, msg.Type())
	}
	env, err := c.OpenEnvelope(sealed)
	if err != nil {
		return ReflectID{}, nil, err
	}
	return id, env, nil
}

// OpenEnvelope opens nonce || secretbox as produced by SealEnvelope. It never returns
// partial data.
func (c *Crypto) OpenEnvelope(data []byte) (*Envelope, error) {
	plain, err := openSealed(c.keys.ReflectKey, data)
	if err != nil {
		return nil, err
	}
	env, err := UnmarshalEnvelope(plain)
	if err != nil {
		return nil, err
	}
	env.Padding = nil
	return env, nil
}

func (c *Crypto) EncryptScope(s Scope) ([]byte, error) {
	return encryption.SecretSeal(c.keys.TransactionScopeKey, []byte{byte(s)})
}

func (c *Crypto) DecryptScope(data []byte) (Scope, error) {
	plain, err := openSealed(c.keys.TransactionScopeKey, data)
	if err != nil {
		return 0, err
	}
	if len(plain) != 1 {
		return 0, fmt.Errorf("%w: scope of %d bytes", ErrMalformedEnvelope, len(plain))
	}
	return Scope(plain[0]), nil
}

func (c *Crypto) EncryptDeviceInfo(info *DeviceInfo) ([]byte, error) {
	padded := *info
	padded.Padding = padding()
	plain, err := encMode.Marshal(&padded)
	if err != nil {
		return nil, err
	}
	return encryption.SecretSeal(c.keys.DeviceInfoKey, plain)
}

func (c *Crypto) DecryptDeviceInfo(data []byte) (*DeviceInfo, error) {
	plain, err := openSealed(c.keys.DeviceInfoKey, data)
	if err != nil {
		return nil, err
	}
	var info DeviceInfo
	if err := decMode.Unmarshal(plain, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	info.Padding = nil
	return &info, nil
}

func (c *Crypto) EncryptSharedDeviceData(data []byte) ([]byte, error) {
	return encryption.SecretSeal(c.keys.SharedDeviceDataKey, data)
}

func (c *Crypto) DecryptSharedDeviceData(data []byte) ([]byte, error) {
	return openSealed(c.keys.SharedDeviceDataKey, data)
}

// ClientHelloResponse proves possession of the path key: the server challenge is
// boxed from the path key to the server's ephemeral key, nonce prefixed.
func (c *Crypto) ClientHelloResponse(challenge, serverESK []byte) ([]byte, error) {
	nonce, err := encryption.RandomNonce()
	if err != nil {
		return nil, err
	}
	sealed, err := encryption.BoxSeal(challenge, nonce, serverESK, c.keys.PathKey)
	if err != nil {
		return nil, err
	}
	return append(nonce[:], sealed...), nil
}

// OpenClientHelloResponse is the server side check of ClientHelloResponse.
func OpenClientHelloResponse(response, groupPublicKey, eskPrivate []byte) ([]byte, error) {
	if len(response) < NonceLength {
		return nil, ErrDecryptionFailed
	}
	var nonce [encryption.NonceSize]byte
	copy(nonce[:], response[:NonceLength])
	plain, err := encryption.BoxOpen(response[NonceLength:], &nonce, groupPublicKey, eskPrivate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

func openSealed(key, data []byte) ([]byte, error) {
	if len(data) < NonceLength {
		return nil, fmt.Errorf("%w: %d bytes cannot hold a nonce", ErrDecryptionFailed, len(data))
	}
	plain, err := encryption.SecretOpen(key, data)
	if errors.Is(err, encryption.ErrDecryptionFailed) {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// padding returns 1 to 16 random bytes.
func padding() []byte {
	p := make([]byte, 1+mrand.IntN(16))
	_, _ = rand.Read(p)
	return p
}
