package mediator

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Bodies of the non-reflect messages are protobuf encoded. Zero values are omitted
// like proto3 does, unknown fields are skipped.
//
//	ServerHello         1 version, 2 esk, 3 challenge
//	ClientHello         1 version, 2 response, 3 device_id (fixed64), 4 slots_exhausted_policy,
//	                    5 slot_expiration_policy, 6 expected_slot_state, 7 encrypted_device_info
//	ServerInfo          1 current_time, 2 max_device_slots, 3 device_slot_state,
//	                    4 encrypted_shared_device_data, 5 reflection_queue_length
//	DevicesInfo         1 repeated device {1 device_id (fixed64), 2 encrypted_device_info,
//	                    3 last_login_at, 4 expiration_policy}
//	DropDevice(Ack)     1 device_id (fixed64)
//	SetSharedDeviceData 1 encrypted_shared_device_data
//	Lock                1 encrypted_scope, 2 ttl
//	Rejected / Ended    1 device_id (fixed64), 2 encrypted_scope

type bodyWriter struct {
	b []byte
}

func (w *bodyWriter) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.VarintType)
	w.b = protowire.AppendVarint(w.b, v)
}

func (w *bodyWriter) fixed64(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.Fixed64Type)
	w.b = protowire.AppendFixed64(w.b, v)
}

func (w *bodyWriter) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendBytes(w.b, v)
}

// message always emits the field so that empty repeated entries survive.
func (w *bodyWriter) message(num protowire.Number, v []byte) {
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendBytes(w.b, v)
}

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (n int, known bool, err error)

func readFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		m, known, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if !known {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func wrongType(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("%w: field %d has wire type %d", ErrMalformedEnvelope, num, typ)
}

func readVarint(num protowire.Number, typ protowire.Type, b []byte, dst *uint64) (int, bool, error) {
	if typ != protowire.VarintType {
		return 0, true, wrongType(num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, true, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
	}
	*dst = v
	return n, true, nil
}

func readVarint32(num protowire.Number, typ protowire.Type, b []byte, dst *uint32) (int, bool, error) {
	var v uint64
	n, known, err := readVarint(num, typ, b, &v)
	*dst = uint32(v)
	return n, known, err
}

func readFixed64(num protowire.Number, typ protowire.Type, b []byte, dst *uint64) (int, bool, error) {
	if typ != protowire.Fixed64Type {
		return 0, true, wrongType(num, typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, true, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
	}
	*dst = v
	return n, true, nil
}

func readBytes(num protowire.Number, typ protowire.Type, b []byte, dst *[]byte) (int, bool, error) {
	if typ != protowire.BytesType {
		return 0, true, wrongType(num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, true, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
	}
	*dst = append([]byte(nil), v...)
	return n, true, nil
}

func marshalBody(m Message) []byte {
	var w bodyWriter
	switch m := m.(type) {
	case *ServerHello:
		w.varint(1, uint64(m.Version))
		w.bytes(2, m.ESK)
		w.bytes(3, m.Challenge)
	case *ClientHello:
		w.varint(1, uint64(m.Version))
		w.bytes(2, m.Response)
		w.fixed64(3, m.DeviceID)
		w.varint(4, uint64(m.DeviceSlotsExhaustedPolicy))
		w.varint(5, uint64(m.DeviceSlotExpirationPolicy))
		w.varint(6, uint64(m.ExpectedDeviceSlotState))
		w.bytes(7, m.EncryptedDeviceInfo)
	case *ServerInfo:
		w.varint(1, m.CurrentTime)
		w.varint(2, uint64(m.MaxDeviceSlots))
		w.varint(3, uint64(m.DeviceSlotState))
		w.bytes(4, m.EncryptedSharedDeviceData)
		w.varint(5, uint64(m.ReflectionQueueLength))
	case *DevicesInfo:
		for _, d := range m.Devices {
			var dw bodyWriter
			dw.fixed64(1, d.DeviceID)
			dw.bytes(2, d.EncryptedDeviceInfo)
			dw.varint(3, d.LastLoginAt)
			dw.varint(4, uint64(d.ExpirationPolicy))
			w.message(1, dw.b)
		}
	case *DropDevice:
		w.fixed64(1, m.DeviceID)
	case *DropDeviceAck:
		w.fixed64(1, m.DeviceID)
	case *SetSharedDeviceData:
		w.bytes(1, m.EncryptedSharedDeviceData)
	case *Lock:
		w.bytes(1, m.EncryptedScope)
		w.varint(2, uint64(m.TTL))
	case *Rejected:
		w.fixed64(1, m.DeviceID)
		w.bytes(2, m.EncryptedScope)
	case *Ended:
		w.fixed64(1, m.DeviceID)
		w.bytes(2, m.EncryptedScope)
	}
	return w.b
}

func unmarshalBody(t MessageType, b []byte) (Message, error) {
	switch t {
	case TypeServerHello:
		m := &ServerHello{}
		return m, readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
			switch num {
			case 1:
				return readVarint32(num, typ, b, &m.Version)
			case 2:
				return readBytes(num, typ, b, &m.ESK)
			case 3:
				return readBytes(num, typ, b, &m.Challenge)
			}
			return 0, false, nil
		})
	case TypeClientHello:
		m := &ClientHello{}
		return m, readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
			switch num {
			case 1:
				return readVarint32(num, typ, b, &m.Version)
			case 2:
				return readBytes(num, typ, b, &m.Response)
			case 3:
				return readFixed64(num, typ, b, &m.DeviceID)
			case 4:
				return readVarint32(num, typ, b, &m.DeviceSlotsExhaustedPolicy)
			case 5:
				return readVarint32(num, typ, b, &m.DeviceSlotExpirationPolicy)
			case 6:
				return readVarint32(num, typ, b, &m.ExpectedDeviceSlotState)
			case 7:
				return readBytes(num, typ, b, &m.EncryptedDeviceInfo)
			}
			return 0, false, nil
		})
	case TypeServerInfo:
		m := &ServerInfo{}
		return m, readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
			switch num {
			case 1:
				return readVarint(num, typ, b, &m.CurrentTime)
			case 2:
				return readVarint32(num, typ, b, &m.MaxDeviceSlots)
			case 3:
				return readVarint32(num, typ, b, &m.DeviceSlotState)
			case 4:
				return readBytes(num, typ, b, &m.EncryptedSharedDeviceData)
			case 5:
				return readVarint32(num, typ, b, &m.ReflectionQueueLength)
			}
			return 0, false, nil
		})
	case TypeDevicesInfo:
		m := &DevicesInfo{}
		return m, readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
			if num != 1 {
				return 0, false, nil
			}
			var raw []byte
			n, known, err := readBytes(num, typ, b, &raw)
			if err != nil {
				return n, known, err
			}
			var d AugmentedDeviceInfo
			err = readFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
				switch num {
				case 1:
					return readFixed64(num, typ, b, &d.DeviceID)
				case 2:
					return readBytes(num, typ, b, &d.EncryptedDeviceInfo)
				case 3:
					return readVarint(num, typ, b, &d.LastLoginAt)
				case 4:
					return readVarint32(num, typ, b, &d.ExpirationPolicy)
				}
				return 0, false, nil
			})
			m.Devices = append(m.Devices, d)
			return n, true, err
		})
	case TypeDropDevice:
		m := &DropDevice{}
		return m, readFields(b, deviceIDField(&m.DeviceID))
	case TypeDropDeviceAck:
		m := &DropDeviceAck{}
		return m, readFields(b, deviceIDField(&m.DeviceID))
	case TypeSetSharedDeviceData:
		m := &SetSharedDeviceData{}
		return m, readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
			if num == 1 {
				return readBytes(num, typ, b, &m.EncryptedSharedDeviceData)
			}
			return 0, false, nil
		})
	case TypeLock:
		m := &Lock{}
		return m, readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
			switch num {
			case 1:
				return readBytes(num, typ, b, &m.EncryptedScope)
			case 2:
				return readVarint32(num, typ, b, &m.TTL)
			}
			return 0, false, nil
		})
	case TypeRejected:
		m := &Rejected{}
		return m, readFields(b, scopeFields(&m.DeviceID, &m.EncryptedScope))
	case TypeEnded:
		m := &Ended{}
		return m, readFields(b, scopeFields(&m.DeviceID, &m.EncryptedScope))
	case TypeReflectionQueueDry:
		return &ReflectionQueueDry{}, readFields(b, skipAll)
	case TypeRolePromotedToLeader:
		return &RolePromotedToLeader{}, readFields(b, skipAll)
	case TypeGetDevicesInfo:
		return &GetDevicesInfo{}, readFields(b, skipAll)
	case TypeLockAck:
		return &LockAck{}, readFields(b, skipAll)
	case TypeUnlock:
		return &Unlock{}, readFields(b, skipAll)
	case TypeUnlockAck:
		return &UnlockAck{}, readFields(b, skipAll)
	}
	return nil, &UnknownTypeError{Type: t}
}

func skipAll(protowire.Number, protowire.Type, []byte) (int, bool, error) { return 0, false, nil }

func deviceIDField(dst *uint64) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		if num == 1 {
			return readFixed64(num, typ, b, dst)
		}
		return 0, false, nil
	}
}

func scopeFields(deviceID *uint64, scope *[]byte) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			return readFixed64(num, typ, b, deviceID)
		case 2:
			return readBytes(num, typ, b, scope)
		}
		return 0, false, nil
	}
}
