package mediator

import "time"

// Message is one decoded mediator message. The set of implementations is closed.
type Message interface {
	Type() MessageType
	isMessage()
}

type (
	// Proxy carries a chat server frame through the mediator.
	Proxy struct {
		Payload []byte
	}

	ServerHello struct {
		Version   uint32
		ESK       []byte
		Challenge []byte
	}

	ClientHello struct {
		Version                    uint32
		Response                   []byte
		DeviceID                   uint64
		DeviceSlotsExhaustedPolicy uint32
		DeviceSlotExpirationPolicy uint32
		ExpectedDeviceSlotState    uint32
		EncryptedDeviceInfo        []byte
	}

	ServerInfo struct {
		CurrentTime               uint64
		MaxDeviceSlots            uint32
		DeviceSlotState           uint32
		EncryptedSharedDeviceData []byte
		ReflectionQueueLength     uint32
	}

	ReflectionQueueDry   struct{}
	RolePromotedToLeader struct{}
	GetDevicesInfo       struct{}

	AugmentedDeviceInfo struct {
		DeviceID            uint64
		EncryptedDeviceInfo []byte
		LastLoginAt         uint64
		ExpirationPolicy    uint32
	}

	DevicesInfo struct {
		Devices []AugmentedDeviceInfo
	}

	DropDevice struct {
		DeviceID uint64
	}

	DropDeviceAck struct {
		DeviceID uint64
	}

	SetSharedDeviceData struct {
		EncryptedSharedDeviceData []byte
	}

	// Lock asks the mediator for exclusive access to the encrypted scope.
	Lock struct {
		EncryptedScope []byte
		TTL            uint32
	}

	LockAck   struct{}
	Unlock    struct{}
	UnlockAck struct{}

	// Rejected reports the scope of the transaction currently held by another device.
	Rejected struct {
		DeviceID       uint64
		EncryptedScope []byte
	}

	Ended struct {
		DeviceID       uint64
		EncryptedScope []byte
	}

	Reflect struct {
		ReflectID ReflectID
		Flags     uint16
		// Envelope is nonce || secretbox of the d2d envelope.
		Envelope []byte
	}

	ReflectAck struct {
		ReflectID ReflectID
		Timestamp uint64
	}

	Reflected struct {
		ReflectID ReflectID
		Flags     uint16
		Timestamp uint64
		Envelope  []byte
	}

	ReflectedAck struct {
		ReflectID ReflectID
	}
)

func (*Proxy) Type() MessageType                { return TypeProxy }
func (*ServerHello) Type() MessageType          { return TypeServerHello }
func (*ClientHello) Type() MessageType          { return TypeClientHello }
func (*ServerInfo) Type() MessageType           { return TypeServerInfo }
func (*ReflectionQueueDry) Type() MessageType   { return TypeReflectionQueueDry }
func (*RolePromotedToLeader) Type() MessageType { return TypeRolePromotedToLeader }
func (*GetDevicesInfo) Type() MessageType       { return TypeGetDevicesInfo }
func (*DevicesInfo) Type() MessageType          { return TypeDevicesInfo }
func (*DropDevice) Type() MessageType           { return TypeDropDevice }
func (*DropDeviceAck) Type() MessageType        { return TypeDropDeviceAck }
func (*SetSharedDeviceData) Type() MessageType  { return TypeSetSharedDeviceData }
func (*Lock) Type() MessageType                 { return TypeLock }
func (*LockAck) Type() MessageType              { return TypeLockAck }
func (*Unlock) Type() MessageType               { return TypeUnlock }
func (*UnlockAck) Type() MessageType            { return TypeUnlockAck }
func (*Rejected) Type() MessageType             { return TypeRejected }
func (*Ended) Type() MessageType                { return TypeEnded }
func (*Reflect) Type() MessageType              { return TypeReflect }
func (*ReflectAck) Type() MessageType           { return TypeReflectAck }
func (*Reflected) Type() MessageType            { return TypeReflected }
func (*ReflectedAck) Type() MessageType         { return TypeReflectedAck }

func (*Proxy) isMessage()                {}
func (*ServerHello) isMessage()          {}
func (*ClientHello) isMessage()          {}
func (*ServerInfo) isMessage()           {}
func (*ReflectionQueueDry) isMessage()   {}
func (*RolePromotedToLeader) isMessage() {}
func (*GetDevicesInfo) isMessage()       {}
func (*DevicesInfo) isMessage()          {}
func (*DropDevice) isMessage()           {}
func (*DropDeviceAck) isMessage()        {}
func (*SetSharedDeviceData) isMessage()  {}
func (*Lock) isMessage()                 {}
func (*LockAck) isMessage()              {}
func (*Unlock) isMessage()               {}
func (*UnlockAck) isMessage()            {}
func (*Rejected) isMessage()             {}
func (*Ended) isMessage()                {}
func (*Reflect) isMessage()              {}
func (*ReflectAck) isMessage()           {}
func (*Reflected) isMessage()            {}
func (*ReflectedAck) isMessage()         {}

// Time converts the mediator timestamp (ms since epoch).
func (m *ReflectAck) Time() time.Time { return time.UnixMilli(int64(m.Timestamp)) }

func (m *Reflected) Time() time.Time { return time.UnixMilli(int64(m.Timestamp)) }
