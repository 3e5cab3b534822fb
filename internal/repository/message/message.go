package message

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"e2e_mediator/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrMessageNotFound = errors.New("message not found")

type (
	MessageRepo struct {
		collection *mongo.Collection
	}

	MemoryRepo struct {
		mu       sync.RWMutex
		messages map[string]*model.Message
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
	}
}

func (r *MessageRepo) SaveMessage(ctx context.Context, m *model.Message) error {
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"owner": m.Owner, "message_id": m.MessageID},
		m,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (r *MessageRepo) GetMessage(ctx context.Context, owner, messageID string) (*model.Message, error) {
	var m model.Message
	err := r.collection.FindOne(ctx, bson.M{"owner": owner, "message_id": messageID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepo) MarkSent(ctx context.Context, owner, messageID string, at time.Time) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"owner": owner, "message_id": messageID},
		bson.M{"$set": bson.M{"sent_at": at}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Conversation returns the messages exchanged with peer, oldest first.
func (r *MessageRepo) Conversation(ctx context.Context, owner, peer string, limit int64) ([]*model.Message, error) {
	opts := options.Find().SetSort(bson.M{"created_at": 1})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.collection.Find(ctx, bson.M{"owner": owner, "peer": peer}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*model.Message
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{messages: make(map[string]*model.Message)}
}

func memKey(owner, messageID string) string { return owner + "/" + messageID }

func (r *MemoryRepo) SaveMessage(ctx context.Context, m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.messages[memKey(m.Owner, m.MessageID)] = &cp
	return nil
}

func (r *MemoryRepo) GetMessage(ctx context.Context, owner, messageID string) (*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[memKey(owner, messageID)]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepo) MarkSent(ctx context.Context, owner, messageID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[memKey(owner, messageID)]
	if !ok {
		return ErrMessageNotFound
	}
	m.SentAt = &at
	return nil
}

func (r *MemoryRepo) Conversation(ctx context.Context, owner, peer string, limit int64) ([]*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*model.Message
	for _, m := range r.messages {
		if m.Owner == owner && m.Peer == peer {
			cp := *m
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if limit > 0 && int64(len(res)) > limit {
		res = res[:limit]
	}
	return res, nil
}
