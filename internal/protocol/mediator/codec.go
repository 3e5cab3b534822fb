package mediator

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// IsMediatorMessage classifies raw bytes without parsing the payload: anything with a
// valid common header whose type is not proxy.
func IsMediatorMessage(b []byte) bool {
	return len(b) >= CommonHeaderLength &&
		MessageType(b[0]) != TypeProxy &&
		b[1] == 0 && b[2] == 0 && b[3] == 0
}

// AddProxyCommonHeader wraps a chat server frame for transport through the mediator.
func AddProxyCommonHeader(payload []byte) []byte {
	out := make([]byte, CommonHeaderLength, CommonHeaderLength+len(payload))
	out[0] = byte(TypeProxy)
	return append(out, payload...)
}

// ExtractProxyPayload returns the chat server frame of a proxy message.
func ExtractProxyPayload(b []byte) ([]byte, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, err
	}
	if t != TypeProxy {
		return nil, fmt.Errorf("%w: %s is not a proxy message", ErrMalformedEnvelope, t)
	}
	return b[CommonHeaderLength:], nil
}

// PeekType validates the common header and returns the type byte.
func PeekType(b []byte) (MessageType, error) {
	if len(b) < CommonHeaderLength {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the common header", ErrMalformedEnvelope, len(b))
	}
	if b[1] != 0 || b[2] != 0 || b[3] != 0 {
		return MessageType(b[0]), fmt.Errorf("%w: reserved header bytes are not zero", ErrMalformedEnvelope)
	}
	return MessageType(b[0]), nil
}

// NewReflectID returns a random reflect id.
func NewReflectID() (ReflectID, error) {
	var id ReflectID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate reflect id: %w", err)
	}
	return id, nil
}

func commonHeader(t MessageType, capacity int) []byte {
	b := make([]byte, CommonHeaderLength, CommonHeaderLength+capacity)
	b[0] = byte(t)
	return b
}

// Encode serializes m including its common header.
func Encode(m Message) []byte {
	switch m := m.(type) {
	case *Proxy:
		return AddProxyCommonHeader(m.Payload)
	case *Reflect:
		b := commonHeader(TypeReflect, reflectHeaderLength+len(m.Envelope))
		b = append(b, reflectHeaderLength, 0, 0, 0)
		binary.LittleEndian.PutUint16(b[CommonHeaderLength+2:], m.Flags)
		b = append(b, m.ReflectID[:]...)
		return append(b, m.Envelope...)
	case *ReflectAck:
		b := commonHeader(TypeReflectAck, reflectedHeaderLength)
		b = append(b, reflectedHeaderLength, 0, 0, 0)
		b = append(b, m.ReflectID[:]...)
		return binary.LittleEndian.AppendUint64(b, m.Timestamp)
	case *Reflected:
		b := commonHeader(TypeReflected, reflectedHeaderLength+len(m.Envelope))
		b = append(b, reflectedHeaderLength, 0, 0, 0)
		binary.LittleEndian.PutUint16(b[CommonHeaderLength+2:], m.Flags)
		b = append(b, m.ReflectID[:]...)
		b = binary.LittleEndian.AppendUint64(b, m.Timestamp)
		return append(b, m.Envelope...)
	case *ReflectedAck:
		b := commonHeader(TypeReflectedAck, reflectHeaderLength)
		b = append(b, reflectHeaderLength, 0, 0, 0)
		return append(b, m.ReflectID[:]...)
	}

	body := marshalBody(m)
	return append(commonHeader(m.Type(), len(body)), body...)
}

// Decode parses one mediator message. Truncated input fails with ErrMalformedEnvelope;
// an unknown type fails with *UnknownTypeError carrying the type byte.
func Decode(b []byte) (Message, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, err
	}
	payload := b[CommonHeaderLength:]

	switch t {
	case TypeProxy:
		return &Proxy{Payload: append([]byte(nil), payload...)}, nil
	case TypeReflect:
		hl, err := payloadHeader(payload, reflectHeaderLength)
		if err != nil {
			return nil, err
		}
		m := &Reflect{
			Flags:    binary.LittleEndian.Uint16(payload[2:4]),
			Envelope: append([]byte(nil), payload[hl:]...),
		}
		copy(m.ReflectID[:], payload[4:8])
		return m, nil
	case TypeReflectAck:
		if _, err := payloadHeader(payload, reflectedHeaderLength); err != nil {
			return nil, err
		}
		m := &ReflectAck{Timestamp: binary.LittleEndian.Uint64(payload[8:16])}
		copy(m.ReflectID[:], payload[4:8])
		return m, nil
	case TypeReflected:
		hl, err := payloadHeader(payload, reflectedHeaderLength)
		if err != nil {
			return nil, err
		}
		m := &Reflected{
			Flags:     binary.LittleEndian.Uint16(payload[2:4]),
			Timestamp: binary.LittleEndian.Uint64(payload[8:16]),
			Envelope:  append([]byte(nil), payload[hl:]...),
		}
		copy(m.ReflectID[:], payload[4:8])
		return m, nil
	case TypeReflectedAck:
		if _, err := payloadHeader(payload, reflectHeaderLength); err != nil {
			return nil, err
		}
		m := &ReflectedAck{}
		copy(m.ReflectID[:], payload[4:8])
		return m, nil
	}

	m, err := unmarshalBody(t, payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return m, nil
}

// payloadHeader validates the reflect payload header and returns its declared length.
func payloadHeader(payload []byte, minLen int) (int, error) {
	if len(payload) < PayloadHeaderLength {
		return 0, fmt.Errorf("%w: missing payload header", ErrMalformedEnvelope)
	}
	hl := int(payload[0])
	if hl < minLen {
		return 0, fmt.Errorf("%w: payload header length %d below %d", ErrMalformedEnvelope, hl, minLen)
	}
	if len(payload) < hl {
		return 0, fmt.Errorf("%w: payload of %d bytes is shorter than its header (%d)", ErrMalformedEnvelope, len(payload), hl)
	}
	return hl, nil
}
