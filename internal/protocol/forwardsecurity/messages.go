package forwardsecurity

import (
	"fmt"

	"e2e_mediator/internal/protocol/chat"

	"github.com/fxamacker/cbor/v2"
)

type RejectCause uint8

const (
	RejectUnknownSession RejectCause = iota
	RejectDisabled
	RejectStateMismatch
)

type TerminateCause uint8

const (
	TerminateReset TerminateCause = iota
	TerminateUnknownSession
	TerminateDisabled
	TerminateInvalidated
)

type (
	Init struct {
		SessionID          SessionID `cbor:"1,keyasint"`
		EphemeralPublicKey []byte    `cbor:"2,keyasint"`
	}

	Accept struct {
		SessionID SessionID `cbor:"1,keyasint"`
	}

	Reject struct {
		SessionID SessionID   `cbor:"1,keyasint"`
		Cause     RejectCause `cbor:"2,keyasint"`
	}

	Terminate struct {
		SessionID SessionID      `cbor:"1,keyasint"`
		Cause     TerminateCause `cbor:"2,keyasint"`
	}

	// Data carries content encrypted with one message key of the sender's chain.
	Data struct {
		SessionID  SessionID `cbor:"1,keyasint"`
		Counter    uint64    `cbor:"2,keyasint"`
		Ciphertext []byte    `cbor:"3,keyasint"`
	}
)

var encMode cbor.EncMode

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
}

func toContent(t chat.ContentType, v any) (*chat.Content, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &chat.Content{Type: t, Data: data}, nil
}

func fromContent(c *chat.Content, v any) error {
	if err := cbor.Unmarshal(c.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, c.Type, err)
	}
	return nil
}

// IsControl reports whether c is a session control message.
func IsControl(c *chat.Content) bool {
	switch c.Type {
	case chat.ContentFSInit, chat.ContentFSAccept, chat.ContentFSReject, chat.ContentFSTerminate:
		return true
	}
	return false
}
