package mediator

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type (
	// Envelope is the device-to-device payload carried inside reflect messages.
	// Exactly one content field is set.
	Envelope struct {
		Padding             []byte               `cbor:"1,keyasint,omitempty"`
		ContactSync         *ContactSync         `cbor:"2,keyasint,omitempty"`
		IncomingMessage     *IncomingMessage     `cbor:"3,keyasint,omitempty"`
		OutgoingMessage     *OutgoingMessage     `cbor:"4,keyasint,omitempty"`
		OutgoingMessageSent *OutgoingMessageSent `cbor:"5,keyasint,omitempty"`
		UserProfileSync     *UserProfileSync     `cbor:"6,keyasint,omitempty"`
		SettingsSync        *SettingsSync        `cbor:"7,keyasint,omitempty"`
	}

	// ContactSync either creates/updates a contact or deletes one.
	ContactSync struct {
		Set    *SyncContact `cbor:"1,keyasint,omitempty"`
		Delete string       `cbor:"2,keyasint,omitempty"`
	}

	SyncContact struct {
		Identity        string `cbor:"1,keyasint"`
		PublicKey       []byte `cbor:"2,keyasint,omitempty"`
		Nickname        string `cbor:"3,keyasint,omitempty"`
		ForwardSecurity bool   `cbor:"4,keyasint,omitempty"`
		Blocked         bool   `cbor:"5,keyasint,omitempty"`
		CreatedAt       int64  `cbor:"6,keyasint,omitempty"`
	}

	IncomingMessage struct {
		SenderIdentity string `cbor:"1,keyasint"`
		MessageID      string `cbor:"2,keyasint"`
		CreatedAt      int64  `cbor:"3,keyasint,omitempty"`
		ContentType    string `cbor:"4,keyasint,omitempty"`
		Body           []byte `cbor:"5,keyasint,omitempty"`
		Nonce          []byte `cbor:"6,keyasint,omitempty"`
	}

	OutgoingMessage struct {
		ReceiverIdentity string `cbor:"1,keyasint"`
		MessageID        string `cbor:"2,keyasint"`
		CreatedAt        int64  `cbor:"3,keyasint,omitempty"`
		ContentType      string `cbor:"4,keyasint,omitempty"`
		Body             []byte `cbor:"5,keyasint,omitempty"`
	}

	OutgoingMessageSent struct {
		MessageID        string `cbor:"1,keyasint"`
		ReceiverIdentity string `cbor:"2,keyasint"`
	}

	UserProfileSync struct {
		Nickname       string `cbor:"1,keyasint,omitempty"`
		ProfilePicture []byte `cbor:"2,keyasint,omitempty"`
	}

	SettingsSync struct {
		BlockUnknown     bool `cbor:"1,keyasint,omitempty"`
		ReadReceipts     bool `cbor:"2,keyasint,omitempty"`
		TypingIndicators bool `cbor:"3,keyasint,omitempty"`
	}

	// DeviceInfo describes one device of the group, encrypted with the device info key.
	DeviceInfo struct {
		Padding         []byte `cbor:"1,keyasint,omitempty"`
		Platform        string `cbor:"2,keyasint,omitempty"`
		PlatformDetails string `cbor:"3,keyasint,omitempty"`
		AppVersion      string `cbor:"4,keyasint,omitempty"`
		Label           string `cbor:"5,keyasint,omitempty"`
	}
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Content names the populated variant, for logging.
func (e *Envelope) Content() string {
	switch {
	case e.ContactSync != nil:
		return "contact-sync"
	case e.IncomingMessage != nil:
		return "incoming-message"
	case e.OutgoingMessage != nil:
		return "outgoing-message"
	case e.OutgoingMessageSent != nil:
		return "outgoing-message-sent"
	case e.UserProfileSync != nil:
		return "user-profile-sync"
	case e.SettingsSync != nil:
		return "settings-sync"
	}
	return "empty"
}

func (e *Envelope) validate() error {
	n := 0
	for _, set := range []bool{
		e.ContactSync != nil,
		e.IncomingMessage != nil,
		e.OutgoingMessage != nil,
		e.OutgoingMessageSent != nil,
		e.UserProfileSync != nil,
		e.SettingsSync != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: envelope must carry exactly one content, has %d", ErrMalformedEnvelope, n)
	}
	if cs := e.ContactSync; cs != nil && (cs.Set == nil) == (cs.Delete == "") {
		return fmt.Errorf("%w: contact sync must either set or delete", ErrMalformedEnvelope)
	}
	return nil
}

// MarshalEnvelope validates and CBOR encodes e.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(e)
}

func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
