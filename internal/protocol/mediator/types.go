// Package mediator implements the binary protocol spoken between a device and the
// mediator server: the common header, the type specific bodies and the encrypted
// device-to-device envelopes carried by reflect messages.
package mediator

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	CommonHeaderLength  = 4
	PayloadHeaderLength = 4
	ReflectIDLength     = 4
	NonceLength         = 24

	reflectHeaderLength   = 8
	reflectedHeaderLength = 16
)

type MessageType byte

const (
	TypeProxy                MessageType = 0x00
	TypeServerHello          MessageType = 0x10
	TypeClientHello          MessageType = 0x11
	TypeServerInfo           MessageType = 0x12
	TypeReflectionQueueDry   MessageType = 0x20
	TypeRolePromotedToLeader MessageType = 0x21
	TypeGetDevicesInfo       MessageType = 0x30
	TypeDevicesInfo          MessageType = 0x31
	TypeDropDevice           MessageType = 0x32
	TypeDropDeviceAck        MessageType = 0x33
	TypeSetSharedDeviceData  MessageType = 0x34
	TypeLock                 MessageType = 0x40
	TypeLockAck              MessageType = 0x41
	TypeUnlock               MessageType = 0x42
	TypeUnlockAck            MessageType = 0x43
	TypeRejected             MessageType = 0x44
	TypeEnded                MessageType = 0x45
	TypeReflect              MessageType = 0x80
	TypeReflectAck           MessageType = 0x81
	TypeReflected            MessageType = 0x82
	TypeReflectedAck         MessageType = 0x83
)

var typeNames = map[MessageType]string{
	TypeProxy:                "proxy",
	TypeServerHello:          "server-hello",
	TypeClientHello:          "client-hello",
	TypeServerInfo:           "server-info",
	TypeReflectionQueueDry:   "reflection-queue-dry",
	TypeRolePromotedToLeader: "role-promoted-to-leader",
	TypeGetDevicesInfo:       "get-devices-info",
	TypeDevicesInfo:          "devices-info",
	TypeDropDevice:           "drop-device",
	TypeDropDeviceAck:        "drop-device-ack",
	TypeSetSharedDeviceData:  "set-shared-device-data",
	TypeLock:                 "lock",
	TypeLockAck:              "lock-ack",
	TypeUnlock:               "unlock",
	TypeUnlockAck:            "unlock-ack",
	TypeRejected:             "rejected",
	TypeEnded:                "ended",
	TypeReflect:              "reflect",
	TypeReflectAck:           "reflect-ack",
	TypeReflected:            "reflected",
	TypeReflectedAck:         "reflected-ack",
}

func (t MessageType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrDecryptionFailed  = errors.New("envelope decryption failed")
)

// UnknownTypeError is returned by Decode for a well formed header with a type byte
// outside the protocol. Callers may keep routing on Type.
type UnknownTypeError struct {
	Type MessageType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("%v: unknown message type 0x%02x", ErrMalformedEnvelope, byte(e.Type))
}

func (e *UnknownTypeError) Unwrap() error { return ErrMalformedEnvelope }

// ReflectID correlates a reflect request with its acknowledgement.
type ReflectID [ReflectIDLength]byte

func (id ReflectID) String() string { return hex.EncodeToString(id[:]) }

// Scope names the shared state a transaction locks.
type Scope uint8

const (
	ScopeUserProfileSync Scope = iota
	ScopeContactSync
	ScopeGroupSync
	ScopeDistributionListSync
	ScopeSettingsSync
	ScopeMDMParameterSync
	ScopeNewDeviceSync
)

func (s Scope) String() string {
	switch s {
	case ScopeUserProfileSync:
		return "user-profile-sync"
	case ScopeContactSync:
		return "contact-sync"
	case ScopeGroupSync:
		return "group-sync"
	case ScopeDistributionListSync:
		return "distribution-list-sync"
	case ScopeSettingsSync:
		return "settings-sync"
	case ScopeMDMParameterSync:
		return "mdm-parameter-sync"
	case ScopeNewDeviceSync:
		return "new-device-sync"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}
