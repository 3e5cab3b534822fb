package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer with HKDF-SHA256 output for secret, salt and info.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// Derive32 returns one 32 byte key bound to the personal/label pair.
func Derive32(secret []byte, personal, label string) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := HKDF(secret, nil, []byte(personal+label), out); err != nil {
		return nil, fmt.Errorf("derive %s%s: %w", personal, label, err)
	}
	return out, nil
}
