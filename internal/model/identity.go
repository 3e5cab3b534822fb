package model

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Identity is the local account. DeviceGroupKey authenticates the devices of the
	// identity towards the mediator; reflection is enabled separately by configuration.
	Identity struct {
		ID             primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		Identity       string             `bson:"identity" json:"identity"`
		Nickname       string             `bson:"nickname,omitempty" json:"nickname,omitempty"`
		PrivateKey     []byte             `bson:"private_key" json:"-"`
		PublicKey      []byte             `bson:"public_key" json:"public_key"`
		DeviceGroupKey []byte             `bson:"device_group_key,omitempty" json:"-"`
		DeviceID       uint64             `bson:"device_id,omitempty" json:"device_id,omitempty"`
	}

	// PublicIdentity is what the directory hands out to other users.
	PublicIdentity struct {
		Identity  string `bson:"identity" json:"identity"`
		PublicKey []byte `bson:"public_key" json:"public_key"`
	}
)

func (i *Identity) Public() *PublicIdentity {
	return &PublicIdentity{Identity: i.Identity, PublicKey: i.PublicKey}
}
