package encryption

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const NonceSize = 24

// SecretSeal encrypts plaintext with NaCl secretbox and returns nonce || box.
func SecretSeal(key, plaintext []byte) ([]byte, error) {
	k, err := key32(key)
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, k), nil
}

// SecretOpen reverses SecretSeal. Any failure is reported as ErrDecryptionFailed.
func SecretOpen(key, sealed []byte) ([]byte, error) {
	k, err := key32(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: message too short", ErrDecryptionFailed)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	plain, ok := secretbox.Open(nil, sealed[NonceSize:], &nonce, k)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// BoxSeal encrypts for peerPub from myPriv with an explicit nonce.
func BoxSeal(plaintext []byte, nonce *[NonceSize]byte, peerPub, myPriv []byte) ([]byte, error) {
	pub, err := key32(peerPub)
	if err != nil {
		return nil, err
	}
	priv, err := key32(myPriv)
	if err != nil {
		return nil, err
	}
	return box.Seal(nil, plaintext, nonce, pub, priv), nil
}

func BoxOpen(sealed []byte, nonce *[NonceSize]byte, peerPub, myPriv []byte) ([]byte, error) {
	pub, err := key32(peerPub)
	if err != nil {
		return nil, err
	}
	priv, err := key32(myPriv)
	if err != nil {
		return nil, err
	}
	plain, ok := box.Open(nil, sealed, nonce, pub, priv)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// RandomNonce returns a fresh 24 byte nonce.
func RandomNonce() (*[NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return &n, nil
}

func key32(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(b))
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}
