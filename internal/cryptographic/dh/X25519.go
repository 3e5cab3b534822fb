package dh

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Generate a new X25519 key pair
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// PublicKey derives the X25519 public key of priv.
func PublicKey(priv []byte) ([32]byte, error) {
	var pub [32]byte
	if len(priv) != 32 {
		return pub, fmt.Errorf("private key must be 32 bytes, got %d", len(priv))
	}
	out, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

// Perform X25519 scalar multiplication: priv * pub
func X25519SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != 32 || len(pub) != 32 {
		return nil, fmt.Errorf("x25519 keys must be 32 bytes")
	}
	return curve25519.X25519(priv, pub)
}
