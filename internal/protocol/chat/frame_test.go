package chat_test

import (
	"errors"
	"testing"

	"e2e_mediator/internal/cryptographic/dh"
	"e2e_mediator/internal/cryptographic/encryption"
	"e2e_mediator/internal/protocol/chat"
)

func TestSealOpenThroughFrame(t *testing.T) {
	aPriv, aPub, _ := dh.NewX25519KeyPair()
	bPriv, bPub, _ := dh.NewX25519KeyPair()

	nonce, box, err := chat.Seal(&chat.Content{Type: chat.ContentText, Text: "hi"}, aPriv[:], bPub[:])
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, err := chat.EncodeFrame(&chat.Frame{Message: &chat.BoxedMessage{
		MessageID: "0011223344556677", From: "AAAAAAAA", To: "BBBBBBBB", Nonce: nonce, Box: box,
	}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	frame, err := chat.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	content, err := chat.Open(frame.Message, bPriv[:], aPub[:])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if content.Type != chat.ContentText || content.Text != "hi" {
		t.Fatalf("content = %+v", content)
	}

	if _, err := chat.Open(frame.Message, aPriv[:], aPub[:]); !errors.Is(err, encryption.ErrDecryptionFailed) {
		t.Fatalf("wrong key: want ErrDecryptionFailed, got %v", err)
	}
}

func TestFrameNeedsExactlyOnePart(t *testing.T) {
	if _, err := chat.EncodeFrame(&chat.Frame{}); !errors.Is(err, chat.ErrMalformedFrame) {
		t.Fatalf("empty frame: got %v", err)
	}
	if _, err := chat.DecodeFrame([]byte{0xff}); !errors.Is(err, chat.ErrMalformedFrame) {
		t.Fatalf("garbage: got %v", err)
	}
}
