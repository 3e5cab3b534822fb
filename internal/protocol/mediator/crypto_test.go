package mediator_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"reflect"
	"testing"

	"e2e_mediator/internal/cryptographic/dh"
	"e2e_mediator/internal/protocol/devicegroup"
	"e2e_mediator/internal/protocol/mediator"
)

func newCrypto(t *testing.T) *mediator.Crypto {
	t.Helper()
	dgk, err := devicegroup.NewDeviceGroupKey()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := devicegroup.DeriveKeys(dgk)
	if err != nil {
		t.Fatal(err)
	}
	return mediator.NewCrypto(keys)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestEnvelopeEncryptDecryptRoundTrip(t *testing.T) {
	c := newCrypto(t)
	envelopes := map[string]*mediator.Envelope{
		"incoming": {IncomingMessage: &mediator.IncomingMessage{
			SenderIdentity: "ECHOECHO",
			MessageID:      "0102030405060708",
			CreatedAt:      1700000000000,
			ContentType:    "text",
			Body:           randomBytes(t, 64),
			Nonce:          randomBytes(t, 24),
		}},
		"outgoing": {OutgoingMessage: &mediator.OutgoingMessage{
			ReceiverIdentity: "ECHOECHO",
			MessageID:        "0807060504030201",
			CreatedAt:        1700000000001,
			ContentType:      "text",
			Body:             randomBytes(t, 33),
		}},
		"contact sync": {ContactSync: &mediator.ContactSync{Set: &mediator.SyncContact{
			Identity:        "ECHOECHO",
			PublicKey:       randomBytes(t, 32),
			ForwardSecurity: true,
		}}},
		"contact delete": {ContactSync: &mediator.ContactSync{Delete: "ECHOECHO"}},
	}

	for name, env := range envelopes {
		t.Run(name, func(t *testing.T) {
			id, wire, err := c.EncryptEnvelope(env)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}

			msg, err := mediator.Decode(wire)
			if err != nil {
				t.Fatalf("decode reflect: %v", err)
			}
			reflectMsg, ok := msg.(*mediator.Reflect)
			if !ok {
				t.Fatalf("wire decodes to %T", msg)
			}
			if reflectMsg.ReflectID != id {
				t.Fatalf("reflect id %s in wire, %s returned", reflectMsg.ReflectID, id)
			}
			if !bytes.Equal(wire[8:12], id[:]) {
				t.Fatalf("reflect id not at offset 8: % x", wire[8:12])
			}

			gotID, got, err := c.DecryptEnvelope(wire)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if gotID != id {
				t.Fatalf("decrypted reflect id %s, want %s", gotID, id)
			}
			if !reflect.DeepEqual(got, env) {
				t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, env)
			}

			// the copy the other devices receive
			reflected := mediator.Encode(&mediator.Reflected{ReflectID: id, Timestamp: 1700000000000, Envelope: reflectMsg.Envelope})
			if gotID, got, err = c.DecryptEnvelope(reflected); err != nil || gotID != id || !reflect.DeepEqual(got, env) {
				t.Fatalf("reflected: %s %#v %v", gotID, got, err)
			}
		})
	}
}

func TestDecryptEnvelopeNeedsReflectMessage(t *testing.T) {
	c := newCrypto(t)
	if _, _, err := c.DecryptEnvelope(mediator.Encode(&mediator.ReflectionQueueDry{})); !errors.Is(err, mediator.ErrMalformedEnvelope) {
		t.Fatalf("queue dry: want ErrMalformedEnvelope, got %v", err)
	}
	sealed, err := c.SealEnvelope(&mediator.Envelope{ContactSync: &mediator.ContactSync{Delete: "ECHOECHO"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.DecryptEnvelope(sealed); err == nil {
		t.Fatal("bare sealed envelope accepted as wire message")
	}
}

func TestOpenEnvelopeFailsClosed(t *testing.T) {
	c := newCrypto(t)
	sealed, err := c.SealEnvelope(&mediator.Envelope{OutgoingMessageSent: &mediator.OutgoingMessageSent{MessageID: "m", ReceiverIdentity: "ECHOECHO"}})
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if env, err := c.OpenEnvelope(tampered); !errors.Is(err, mediator.ErrDecryptionFailed) || env != nil {
		t.Fatalf("tampered: want nil, ErrDecryptionFailed; got %v, %v", env, err)
	}

	if _, err := c.OpenEnvelope(sealed[:10]); !errors.Is(err, mediator.ErrDecryptionFailed) {
		t.Fatalf("short: want ErrDecryptionFailed, got %v", err)
	}

	other := newCrypto(t)
	if _, err := other.OpenEnvelope(sealed); !errors.Is(err, mediator.ErrDecryptionFailed) {
		t.Fatalf("wrong key: want ErrDecryptionFailed, got %v", err)
	}
}

func TestEncryptEnvelopeRejectsAmbiguousContent(t *testing.T) {
	c := newCrypto(t)
	_, _, err := c.EncryptEnvelope(&mediator.Envelope{})
	if !errors.Is(err, mediator.ErrMalformedEnvelope) {
		t.Fatalf("empty envelope: want ErrMalformedEnvelope, got %v", err)
	}
	_, _, err = c.EncryptEnvelope(&mediator.Envelope{
		SettingsSync:    &mediator.SettingsSync{ReadReceipts: true},
		UserProfileSync: &mediator.UserProfileSync{Nickname: "x"},
	})
	if !errors.Is(err, mediator.ErrMalformedEnvelope) {
		t.Fatalf("two contents: want ErrMalformedEnvelope, got %v", err)
	}
}

func TestScopeAndDeviceInfo(t *testing.T) {
	c := newCrypto(t)
	enc, err := c.EncryptScope(mediator.ScopeContactSync)
	if err != nil {
		t.Fatal(err)
	}
	scope, err := c.DecryptScope(enc)
	if err != nil || scope != mediator.ScopeContactSync {
		t.Fatalf("scope = %v, %v", scope, err)
	}

	info := &mediator.DeviceInfo{Platform: "linux", AppVersion: "1.0", Label: "laptop"}
	encInfo, err := c.EncryptDeviceInfo(info)
	if err != nil {
		t.Fatal(err)
	}
	gotInfo, err := c.DecryptDeviceInfo(encInfo)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(gotInfo, info) {
		t.Fatalf("device info = %#v", gotInfo)
	}
}

func TestClientHelloResponse(t *testing.T) {
	c := newCrypto(t)
	eskPriv, eskPub, err := dh.NewX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	challenge := randomBytes(t, 32)
	resp, err := c.ClientHelloResponse(challenge, eskPub[:])
	if err != nil {
		t.Fatal(err)
	}
	groupPub, err := c.Keys().PathPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	got, err := mediator.OpenClientHelloResponse(resp, groupPub[:], eskPriv[:])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, challenge) {
		t.Fatalf("challenge mismatch")
	}
}
