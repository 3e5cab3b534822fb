package dhsession

import (
	"context"
	"errors"
	"time"

	fs "e2e_mediator/internal/protocol/forwardsecurity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	ratchetDoc struct {
		ChainKey []byte `bson:"chain_key"`
		Counter  uint64 `bson:"counter"`
	}

	sessionDoc struct {
		SessionID            string      `bson:"session_id"`
		MyIdentity           string      `bson:"my_identity"`
		PeerIdentity         string      `bson:"peer_identity"`
		MyEphemeralPublicKey []byte      `bson:"my_ephemeral_public_key,omitempty"`
		MyRatchet            *ratchetDoc `bson:"my_ratchet,omitempty"`
		PeerRatchet          *ratchetDoc `bson:"peer_ratchet,omitempty"`
		Committed            bool        `bson:"committed"`
		Invalid              bool        `bson:"invalid"`
		CreatedAt            time.Time   `bson:"created_at"`
		LastMessageSent      time.Time   `bson:"last_message_sent,omitempty"`
	}

	MongoRepo struct {
		collection *mongo.Collection
	}
)

func NewMongoRepo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{
		collection: db.Collection("dh_sessions"),
	}
}

func (r *MongoRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "my_identity", Value: 1}, {Key: "peer_identity", Value: 1}, {Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *MongoRepo) StoreSession(ctx context.Context, s *fs.Session) error {
	doc := toDoc(s)
	filter := bson.M{
		"my_identity":   doc.MyIdentity,
		"peer_identity": doc.PeerIdentity,
		"session_id":    doc.SessionID,
	}
	_, err := r.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *MongoRepo) ExactSession(ctx context.Context, my, peer string, id fs.SessionID) (*fs.Session, error) {
	filter := bson.M{
		"my_identity":   my,
		"peer_identity": peer,
		"session_id":    id.String(),
	}

	var doc sessionDoc
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromDoc(&doc)
}

func (r *MongoRepo) BestSession(ctx context.Context, my, peer string) (*fs.Session, error) {
	sessions, err := r.Sessions(ctx, my, peer)
	if err != nil {
		return nil, err
	}
	return fs.SelectBest(sessions), nil
}

func (r *MongoRepo) Sessions(ctx context.Context, my, peer string) ([]*fs.Session, error) {
	cur, err := r.collection.Find(ctx, bson.M{"my_identity": my, "peer_identity": peer})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*fs.Session
	for cur.Next(ctx) {
		var doc sessionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		s, err := fromDoc(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, cur.Err()
}

func (r *MongoRepo) DeleteSession(ctx context.Context, my, peer string, id fs.SessionID) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{
		"my_identity":   my,
		"peer_identity": peer,
		"session_id":    id.String(),
	})
	return err
}

func (r *MongoRepo) DeleteAllSessionsExcept(ctx context.Context, my, peer string, keep fs.SessionID) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{
		"my_identity":   my,
		"peer_identity": peer,
		"session_id":    bson.M{"$ne": keep.String()},
	})
	return err
}

func toDoc(s *fs.Session) *sessionDoc {
	doc := &sessionDoc{
		SessionID:            s.ID.String(),
		MyIdentity:           s.MyIdentity,
		PeerIdentity:         s.PeerIdentity,
		MyEphemeralPublicKey: s.MyEphemeralPublicKey,
		Committed:            s.Committed,
		Invalid:              s.Invalid,
		CreatedAt:            s.CreatedAt,
		LastMessageSent:      s.LastMessageSent,
	}
	if s.MyRatchet != nil {
		doc.MyRatchet = &ratchetDoc{ChainKey: s.MyRatchet.ChainKey, Counter: s.MyRatchet.Counter}
	}
	if s.PeerRatchet != nil {
		doc.PeerRatchet = &ratchetDoc{ChainKey: s.PeerRatchet.ChainKey, Counter: s.PeerRatchet.Counter}
	}
	return doc
}

func fromDoc(doc *sessionDoc) (*fs.Session, error) {
	id, err := fs.ParseSessionID(doc.SessionID)
	if err != nil {
		return nil, err
	}
	s := &fs.Session{
		ID:                   id,
		MyIdentity:           doc.MyIdentity,
		PeerIdentity:         doc.PeerIdentity,
		MyEphemeralPublicKey: doc.MyEphemeralPublicKey,
		Committed:            doc.Committed,
		Invalid:              doc.Invalid,
		CreatedAt:            doc.CreatedAt,
		LastMessageSent:      doc.LastMessageSent,
	}
	if doc.MyRatchet != nil {
		s.MyRatchet = &fs.Ratchet{ChainKey: doc.MyRatchet.ChainKey, Counter: doc.MyRatchet.Counter}
	}
	if doc.PeerRatchet != nil {
		s.PeerRatchet = &fs.Ratchet{ChainKey: doc.PeerRatchet.ChainKey, Counter: doc.PeerRatchet.Counter}
	}
	return s, nil
}
