// Package chat holds the frames exchanged with the chat server through proxy messages.
package chat

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"e2e_mediator/internal/cryptographic/encryption"

	"github.com/fxamacker/cbor/v2"
)

type ContentType string

const (
	ContentText        ContentType = "text"
	ContentFSInit      ContentType = "fs-init"
	ContentFSAccept    ContentType = "fs-accept"
	ContentFSReject    ContentType = "fs-reject"
	ContentFSTerminate ContentType = "fs-terminate"
	// ContentFSEnvelope wraps another content encrypted with a forward secrecy session.
	ContentFSEnvelope ContentType = "fs-envelope"
)

const (
	// FlagNoAck marks messages the server does not acknowledge.
	FlagNoAck uint8 = 1 << iota
	// FlagNoQueue marks messages that are dropped instead of queued for offline receivers.
	FlagNoQueue
)

var ErrMalformedFrame = errors.New("malformed chat frame")

type (
	// Frame is one chat server frame, exactly one field is set.
	Frame struct {
		Message *BoxedMessage `cbor:"1,keyasint,omitempty"`
		Ack     *MessageAck   `cbor:"2,keyasint,omitempty"`
	}

	// BoxedMessage is an end-to-end encrypted message as seen by the chat server.
	BoxedMessage struct {
		MessageID string `cbor:"1,keyasint"`
		From      string `cbor:"2,keyasint"`
		To        string `cbor:"3,keyasint"`
		CreatedAt int64  `cbor:"4,keyasint,omitempty"`
		Flags     uint8  `cbor:"5,keyasint,omitempty"`
		Nonce     []byte `cbor:"6,keyasint"`
		Box       []byte `cbor:"7,keyasint"`
	}

	// MessageAck confirms that the server accepted MessageID for Identity.
	MessageAck struct {
		MessageID string `cbor:"1,keyasint"`
		Identity  string `cbor:"2,keyasint"`
	}

	// Content is the plaintext inside a box.
	Content struct {
		Type ContentType `cbor:"1,keyasint"`
		Text string      `cbor:"2,keyasint,omitempty"`
		Data []byte      `cbor:"3,keyasint,omitempty"`
	}
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func (m *BoxedMessage) HasFlag(f uint8) bool { return m.Flags&f != 0 }

func EncodeFrame(f *Frame) ([]byte, error) {
	if (f.Message == nil) == (f.Ack == nil) {
		return nil, fmt.Errorf("%w: exactly one of message or ack must be set", ErrMalformedFrame)
	}
	return encMode.Marshal(f)
}

func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if (f.Message == nil) == (f.Ack == nil) {
		return nil, fmt.Errorf("%w: exactly one of message or ack must be set", ErrMalformedFrame)
	}
	if f.Message != nil && len(f.Message.Nonce) != encryption.NonceSize {
		return nil, fmt.Errorf("%w: nonce of %d bytes", ErrMalformedFrame, len(f.Message.Nonce))
	}
	return &f, nil
}

// Seal boxes content from myPriv to peerPub under a fresh nonce.
func Seal(c *Content, myPriv, peerPub []byte) (nonce, box []byte, err error) {
	plain, err := encMode.Marshal(c)
	if err != nil {
		return nil, nil, err
	}
	n, err := encryption.RandomNonce()
	if err != nil {
		return nil, nil, err
	}
	box, err = encryption.BoxSeal(plain, n, peerPub, myPriv)
	if err != nil {
		return nil, nil, err
	}
	return n[:], box, nil
}

// Open reverses Seal. Decryption failures wrap encryption.ErrDecryptionFailed.
func Open(m *BoxedMessage, myPriv, peerPub []byte) (*Content, error) {
	if len(m.Nonce) != encryption.NonceSize {
		return nil, fmt.Errorf("%w: nonce of %d bytes", ErrMalformedFrame, len(m.Nonce))
	}
	var n [encryption.NonceSize]byte
	copy(n[:], m.Nonce)
	plain, err := encryption.BoxOpen(m.Box, &n, peerPub, myPriv)
	if err != nil {
		return nil, err
	}
	return UnmarshalContent(plain)
}

func MarshalContent(c *Content) ([]byte, error) { return encMode.Marshal(c) }

func UnmarshalContent(b []byte) (*Content, error) {
	var c Content
	if err := decMode.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if c.Type == "" {
		return nil, fmt.Errorf("%w: content without type", ErrMalformedFrame)
	}
	return &c, nil
}

// NewMessageID returns a random 8 byte message id, hex encoded.
func NewMessageID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
