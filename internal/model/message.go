package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type Message struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	MessageID  string             `bson:"message_id" json:"message_id"`
	Direction  Direction          `bson:"direction" json:"direction"`
	Owner      string             `bson:"owner" json:"owner"`
	Peer       string             `bson:"peer" json:"peer"`
	Text       string             `bson:"text" json:"text"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
	SentAt     *time.Time         `bson:"sent_at,omitempty" json:"sent_at,omitempty"`
	ReceivedAt *time.Time         `bson:"received_at,omitempty" json:"received_at,omitempty"`
	// Reflected is set for messages learned from another device of the same identity.
	Reflected bool `bson:"reflected,omitempty" json:"reflected,omitempty"`
}
