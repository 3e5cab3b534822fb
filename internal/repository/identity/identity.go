package identity

import (
	"context"
	"errors"
	"sort"
	"sync"

	"e2e_mediator/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrIdentityExists = errors.New("identity already exists")

type (
	IdentityRepo struct {
		collection *mongo.Collection
	}

	// MemoryRepo is used by tests and by the server when no mongo is configured.
	MemoryRepo struct {
		mu         sync.RWMutex
		identities map[string]*model.Identity
	}
)

func NewIdentityRepo(db *mongo.Database) *IdentityRepo {
	return &IdentityRepo{
		collection: db.Collection("identities"),
	}
}

// NewDirectoryRepo stores the public identities served by the mediator. It lives in
// its own collection so a client and the server may share one database.
func NewDirectoryRepo(db *mongo.Database) *IdentityRepo {
	return &IdentityRepo{
		collection: db.Collection("directory"),
	}
}

func (r *IdentityRepo) GetByIdentity(ctx context.Context, identity string) (*model.Identity, error) {
	filter := bson.M{
		"identity": identity,
	}

	var id model.Identity
	err := r.collection.FindOne(ctx, filter).Decode(&id)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &id, nil
}

func (r *IdentityRepo) Create(ctx context.Context, id *model.Identity) (primitive.ObjectID, error) {
	existing, err := r.GetByIdentity(ctx, id.Identity)
	if err != nil {
		return primitive.NilObjectID, err
	}
	if existing != nil {
		return primitive.NilObjectID, ErrIdentityExists
	}

	res, err := r.collection.InsertOne(ctx, id)
	if err != nil {
		return primitive.NilObjectID, err
	}

	oid := res.InsertedID.(primitive.ObjectID)
	id.ID = oid
	return oid, nil
}

// Save creates or replaces the identity document.
func (r *IdentityRepo) Save(ctx context.Context, id *model.Identity) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"identity": id.Identity}, id, options.Replace().SetUpsert(true))
	return err
}

func (r *IdentityRepo) List(ctx context.Context) ([]*model.PublicIdentity, error) {
	opts := options.Find().SetProjection(bson.M{"identity": 1, "public_key": 1}).SetSort(bson.M{"identity": 1})
	cur, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*model.PublicIdentity
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{identities: make(map[string]*model.Identity)}
}

func (r *MemoryRepo) GetByIdentity(ctx context.Context, identity string) (*model.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[identity]
	if !ok {
		return nil, nil
	}
	c := *id
	return &c, nil
}

func (r *MemoryRepo) Create(ctx context.Context, id *model.Identity) (primitive.ObjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.identities[id.Identity]; ok {
		return primitive.NilObjectID, ErrIdentityExists
	}
	id.ID = primitive.NewObjectID()
	c := *id
	r.identities[id.Identity] = &c
	return id.ID, nil
}

func (r *MemoryRepo) Save(ctx context.Context, id *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *id
	r.identities[id.Identity] = &c
	return nil
}

func (r *MemoryRepo) List(ctx context.Context) ([]*model.PublicIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*model.PublicIdentity, 0, len(r.identities))
	for _, id := range r.identities {
		res = append(res, id.Public())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Identity < res[j].Identity })
	return res, nil
}
