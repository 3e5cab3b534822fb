package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ContactState string

const (
	ContactActive   ContactState = "active"
	ContactInactive ContactState = "inactive"
	ContactInvalid  ContactState = "invalid"
)

type Contact struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Identity  string             `bson:"identity" json:"identity"`
	PublicKey []byte             `bson:"public_key" json:"public_key"`
	Nickname  string             `bson:"nickname,omitempty" json:"nickname,omitempty"`
	State     ContactState       `bson:"state" json:"state"`
	Blocked   bool               `bson:"blocked" json:"blocked"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`

	// ForwardSecurity is set when the peer supports forward secrecy sessions.
	ForwardSecurity bool `bson:"forward_security" json:"forward_security"`
}

// Usable reports whether messages may be sent to c.
func (c *Contact) Usable() bool {
	return c.State != ContactInvalid && !c.Blocked
}
