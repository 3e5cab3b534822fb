package task

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"e2e_mediator/internal/protocol/mediator"
)

type Kind string

const (
	KindSendMessage            Kind = "send-message"
	KindContactSync            Kind = "contact-sync"
	KindRefreshForwardSecurity Kind = "refresh-forward-security"
	KindGetDevicesInfo         Kind = "get-devices-info"
	KindDropDevice             Kind = "drop-device"
	KindReceiveMessage         Kind = "receive-message"
	KindReceiveReflected       Kind = "receive-reflected"
)

// Definition describes one unit of work. The set of definitions is closed, the
// engine switches over all of them.
type Definition interface {
	Kind() Kind
	isDefinition()
}

type (
	// SendMessage delivers a text to every recipient. Sent records the nonce used
	// for each recipient the server already acknowledged, so a retried task never
	// sends twice.
	SendMessage struct {
		MessageID  string            `json:"message_id"`
		Recipients []string          `json:"recipients"`
		Text       string            `json:"text"`
		CreatedAt  time.Time         `json:"created_at"`
		Sent       map[string][]byte `json:"sent,omitempty"`
		// Reflected is set once the other devices know about the outgoing message.
		Reflected bool `json:"reflected,omitempty"`

		mu sync.Mutex
	}

	// ContactSync writes contact changes locally and reflects them to the other
	// devices inside a contact sync transaction.
	ContactSync struct {
		Set    []*mediator.SyncContact `json:"set,omitempty"`
		Delete []string                `json:"delete,omitempty"`
	}

	// RefreshForwardSecurity refreshes the sessions with Identities, or with every
	// contact when empty.
	RefreshForwardSecurity struct {
		Identities []string `json:"identities,omitempty"`
	}

	GetDevicesInfo struct {
		// Devices is filled in by the engine.
		Devices []Device `json:"-"`
	}

	DropDevice struct {
		DeviceID uint64 `json:"device_id"`
	}

	// ReceiveMessage processes a chat frame received through the mediator.
	ReceiveMessage struct {
		Frame []byte `json:"frame"`
		// Opened holds the content unwrapped from a forward security envelope. The
		// ratchet already moved past it, a retry must not decapsulate again.
		Opened []byte `json:"opened,omitempty"`

		mu sync.Mutex
	}

	// ReceiveReflected processes a message reflected by another device.
	ReceiveReflected struct {
		ReflectID mediator.ReflectID `json:"reflect_id"`
		Timestamp uint64             `json:"timestamp"`
		Envelope  []byte             `json:"envelope"`
	}

	Device struct {
		ID          uint64
		Label       string
		Platform    string
		LastLoginAt time.Time
	}
)

func (*SendMessage) Kind() Kind            { return KindSendMessage }
func (*ContactSync) Kind() Kind            { return KindContactSync }
func (*RefreshForwardSecurity) Kind() Kind { return KindRefreshForwardSecurity }
func (*GetDevicesInfo) Kind() Kind         { return KindGetDevicesInfo }
func (*DropDevice) Kind() Kind             { return KindDropDevice }
func (*ReceiveMessage) Kind() Kind         { return KindReceiveMessage }
func (*ReceiveReflected) Kind() Kind       { return KindReceiveReflected }

func (*SendMessage) isDefinition()            {}
func (*ContactSync) isDefinition()            {}
func (*RefreshForwardSecurity) isDefinition() {}
func (*GetDevicesInfo) isDefinition()         {}
func (*DropDevice) isDefinition()             {}
func (*ReceiveMessage) isDefinition()         {}
func (*ReceiveReflected) isDefinition()       {}

func (d *SendMessage) AlreadySentTo(recipient string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.Sent[recipient]
	return ok
}

// SentNonce returns the nonce recorded for recipient.
func (d *SendMessage) SentNonce(recipient string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Sent[recipient]
}

func (d *SendMessage) MarkSent(recipient string, nonce []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Sent == nil {
		d.Sent = make(map[string][]byte)
	}
	d.Sent[recipient] = nonce
}

func (d *SendMessage) setReflected() {
	d.mu.Lock()
	d.Reflected = true
	d.mu.Unlock()
}

func (d *SendMessage) reflected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Reflected
}

type sendMessageJSON struct {
	MessageID  string            `json:"message_id"`
	Recipients []string          `json:"recipients"`
	Text       string            `json:"text"`
	CreatedAt  time.Time         `json:"created_at"`
	Sent       map[string][]byte `json:"sent,omitempty"`
	Reflected  bool              `json:"reflected,omitempty"`
}

// MarshalJSON snapshots the task under its lock, the send fan-out may update it
// while the queue is persisted.
func (d *SendMessage) MarshalJSON() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(sendMessageJSON{
		MessageID:  d.MessageID,
		Recipients: d.Recipients,
		Text:       d.Text,
		CreatedAt:  d.CreatedAt,
		Sent:       d.Sent,
		Reflected:  d.Reflected,
	})
}

func (d *SendMessage) UnmarshalJSON(b []byte) error {
	var v sendMessageJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.MessageID = v.MessageID
	d.Recipients = v.Recipients
	d.Text = v.Text
	d.CreatedAt = v.CreatedAt
	d.Sent = v.Sent
	d.Reflected = v.Reflected
	return nil
}

func (d *ReceiveMessage) setOpened(content []byte) {
	d.mu.Lock()
	d.Opened = content
	d.mu.Unlock()
}

func (d *ReceiveMessage) opened() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Opened
}

type receiveMessageJSON struct {
	Frame  []byte `json:"frame"`
	Opened []byte `json:"opened,omitempty"`
}

func (d *ReceiveMessage) MarshalJSON() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(receiveMessageJSON{Frame: d.Frame, Opened: d.Opened})
}

func (d *ReceiveMessage) UnmarshalJSON(b []byte) error {
	var v receiveMessageJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Frame = v.Frame
	d.Opened = v.Opened
	return nil
}

func newDefinition(k Kind) (Definition, error) {
	switch k {
	case KindSendMessage:
		return &SendMessage{}, nil
	case KindContactSync:
		return &ContactSync{}, nil
	case KindRefreshForwardSecurity:
		return &RefreshForwardSecurity{}, nil
	case KindGetDevicesInfo:
		return &GetDevicesInfo{}, nil
	case KindDropDevice:
		return &DropDevice{}, nil
	case KindReceiveMessage:
		return &ReceiveMessage{}, nil
	case KindReceiveReflected:
		return &ReceiveReflected{}, nil
	}
	return nil, fmt.Errorf("unknown task kind %q", k)
}
