package mediator_test

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"e2e_mediator/internal/protocol/mediator"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := mediator.ReflectID{0xde, 0xad, 0xbe, 0xef}
	tests := []mediator.Message{
		&mediator.Proxy{Payload: []byte{1, 2, 3}},
		&mediator.ServerHello{Version: 1, ESK: bytes.Repeat([]byte{7}, 32), Challenge: bytes.Repeat([]byte{9}, 32)},
		&mediator.ClientHello{Version: 1, Response: []byte("resp"), DeviceID: 0x1122334455667788, ExpectedDeviceSlotState: 1, EncryptedDeviceInfo: []byte("info")},
		&mediator.ServerInfo{CurrentTime: 1700000000000, MaxDeviceSlots: 4, DeviceSlotState: 1, EncryptedSharedDeviceData: []byte("sdd"), ReflectionQueueLength: 12},
		&mediator.ReflectionQueueDry{},
		&mediator.RolePromotedToLeader{},
		&mediator.GetDevicesInfo{},
		&mediator.DevicesInfo{Devices: []mediator.AugmentedDeviceInfo{
			{DeviceID: 1, EncryptedDeviceInfo: []byte("a"), LastLoginAt: 5},
			{DeviceID: 2, EncryptedDeviceInfo: []byte("b"), LastLoginAt: 6, ExpirationPolicy: 1},
		}},
		&mediator.DropDevice{DeviceID: 42},
		&mediator.DropDeviceAck{DeviceID: 42},
		&mediator.SetSharedDeviceData{EncryptedSharedDeviceData: []byte("x")},
		&mediator.Lock{EncryptedScope: []byte("scope"), TTL: 30},
		&mediator.LockAck{},
		&mediator.Unlock{},
		&mediator.UnlockAck{},
		&mediator.Rejected{DeviceID: 3, EncryptedScope: []byte("other")},
		&mediator.Ended{DeviceID: 3, EncryptedScope: []byte("other")},
		&mediator.Reflect{ReflectID: id, Flags: 1, Envelope: []byte("envelope")},
		&mediator.ReflectAck{ReflectID: id, Timestamp: 1700000000123},
		&mediator.Reflected{ReflectID: id, Timestamp: 1700000000456, Envelope: []byte("envelope")},
		&mediator.ReflectedAck{ReflectID: id},
	}

	for _, msg := range tests {
		t.Run(msg.Type().String(), func(t *testing.T) {
			wire := mediator.Encode(msg)
			if wire[0] != byte(msg.Type()) || wire[1] != 0 || wire[2] != 0 || wire[3] != 0 {
				t.Fatalf("bad common header % x", wire[:4])
			}
			got, err := mediator.Decode(wire)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, msg) {
				t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, msg)
			}
			if !bytes.Equal(mediator.Encode(got), wire) {
				t.Fatalf("encoding is not deterministic")
			}
		})
	}
}

func TestReflectAckWireLayout(t *testing.T) {
	ack := &mediator.ReflectAck{ReflectID: mediator.ReflectID{1, 2, 3, 4}, Timestamp: 0x0102030405060708}
	wire := mediator.Encode(ack)
	want := []byte{
		0x81, 0, 0, 0,
		16, 0, 0, 0,
		1, 2, 3, 4,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
	}
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire = % x, want % x", wire, want)
	}
}

func TestReflectWireLayout(t *testing.T) {
	wire := mediator.Encode(&mediator.Reflect{ReflectID: mediator.ReflectID{9, 8, 7, 6}, Envelope: []byte{0xaa}})
	want := []byte{0x80, 0, 0, 0, 8, 0, 0, 0, 9, 8, 7, 6, 0xaa}
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire = % x, want % x", wire, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x41, 0}},
		{"reserved bytes set", []byte{0x41, 0, 1, 0}},
		{"reflect without payload header", []byte{0x80, 0, 0, 0, 8}},
		{"reflect truncated id", []byte{0x80, 0, 0, 0, 8, 0, 0, 0, 1, 2}},
		{"reflect ack truncated timestamp", []byte{0x81, 0, 0, 0, 16, 0, 0, 0, 1, 2, 3, 4, 5}},
		{"reflected header too small", []byte{0x82, 0, 0, 0, 4, 0, 0, 0, 1, 2, 3, 4}},
		{"truncated protobuf body", []byte{0x32, 0, 0, 0, 0x09, 1, 2}},
		{"wrong wire type", []byte{0x32, 0, 0, 0, 0x08, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mediator.Decode(tt.in)
			if !errors.Is(err, mediator.ErrMalformedEnvelope) {
				t.Fatalf("want ErrMalformedEnvelope, got %v", err)
			}
		})
	}
}

func TestDecodeUnknownTypeReportsType(t *testing.T) {
	_, err := mediator.Decode([]byte{0x99, 0, 0, 0, 1, 2})
	if !errors.Is(err, mediator.ErrMalformedEnvelope) {
		t.Fatalf("want ErrMalformedEnvelope, got %v", err)
	}
	var unknown *mediator.UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("want *UnknownTypeError, got %T", err)
	}
	if unknown.Type != 0x99 {
		t.Fatalf("type = 0x%02x", byte(unknown.Type))
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	// field 9 (varint 5) followed by device id field 1
	wire := []byte{0x33, 0, 0, 0, 0x48, 0x05, 0x09, 7, 0, 0, 0, 0, 0, 0, 0}
	msg, err := mediator.Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ack, ok := msg.(*mediator.DropDeviceAck)
	if !ok || ack.DeviceID != 7 {
		t.Fatalf("got %#v", msg)
	}
}

func TestIsMediatorMessage(t *testing.T) {
	tests := []struct {
		in   []byte
		want bool
	}{
		{nil, false},
		{[]byte{0x81, 0, 0}, false},
		{[]byte{0x00, 0, 0, 0, 1}, false},
		{[]byte{0x81, 0, 0, 0}, true},
		{[]byte{0x81, 0, 1, 0}, false},
		{mediator.Encode(&mediator.LockAck{}), true},
	}
	for _, tt := range tests {
		if got := mediator.IsMediatorMessage(tt.in); got != tt.want {
			t.Errorf("IsMediatorMessage(% x) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestProxyHeader(t *testing.T) {
	frame := []byte("chat frame")
	wrapped := mediator.AddProxyCommonHeader(frame)
	if !bytes.Equal(wrapped[:4], []byte{0, 0, 0, 0}) {
		t.Fatalf("header % x", wrapped[:4])
	}
	if mediator.IsMediatorMessage(wrapped) {
		t.Fatalf("proxy frame must not classify as mediator message")
	}
	payload, err := mediator.ExtractProxyPayload(wrapped)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !bytes.Equal(payload, frame) {
		t.Fatalf("payload %q", payload)
	}
}
