package contact

import (
	"context"
	"errors"
	"sort"
	"sync"

	"e2e_mediator/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// ContactRepo stores the contacts of one local identity.
	ContactRepo struct {
		owner      string
		collection *mongo.Collection
	}

	MemoryRepo struct {
		mu       sync.RWMutex
		contacts map[string]*model.Contact
	}

	contactDoc struct {
		Owner         string `bson:"owner"`
		model.Contact `bson:",inline"`
	}
)

func NewContactRepo(db *mongo.Database, owner string) *ContactRepo {
	return &ContactRepo{
		owner:      owner,
		collection: db.Collection("contacts"),
	}
}

// FetchContact returns nil without error when identity is not a contact.
func (r *ContactRepo) FetchContact(ctx context.Context, identity string) (*model.Contact, error) {
	var doc contactDoc
	err := r.collection.FindOne(ctx, bson.M{"owner": r.owner, "identity": identity}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc.Contact, nil
}

func (r *ContactRepo) SaveContact(ctx context.Context, c *model.Contact) error {
	doc := contactDoc{Owner: r.owner, Contact: *c}
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"owner": r.owner, "identity": c.Identity},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (r *ContactRepo) DeleteContact(ctx context.Context, identity string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"owner": r.owner, "identity": identity})
	return err
}

func (r *ContactRepo) ListContacts(ctx context.Context) ([]*model.Contact, error) {
	cur, err := r.collection.Find(ctx, bson.M{"owner": r.owner}, options.Find().SetSort(bson.M{"identity": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []contactDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]*model.Contact, 0, len(docs))
	for i := range docs {
		res = append(res, &docs[i].Contact)
	}
	return res, nil
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{contacts: make(map[string]*model.Contact)}
}

func (r *MemoryRepo) FetchContact(ctx context.Context, identity string) (*model.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[identity]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepo) SaveContact(ctx context.Context, c *model.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.contacts[c.Identity] = &cp
	return nil
}

func (r *MemoryRepo) DeleteContact(ctx context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contacts, identity)
	return nil
}

func (r *MemoryRepo) ListContacts(ctx context.Context) ([]*model.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*model.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		cp := *c
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Identity < res[j].Identity })
	return res, nil
}
