package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"e2e_mediator/internal/config"
	"e2e_mediator/internal/model"
	"e2e_mediator/internal/repository/contact"
	"e2e_mediator/internal/repository/dhsession"
	"e2e_mediator/internal/repository/identity"
	"e2e_mediator/internal/repository/message"
	nonceRepo "e2e_mediator/internal/repository/nonce"
	"e2e_mediator/internal/repository/taskqueue"
	"e2e_mediator/internal/service/app"
	"e2e_mediator/internal/service/nonce"
	redisSvc "e2e_mediator/internal/service/redis"
	"e2e_mediator/internal/service/task"
	"e2e_mediator/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// env holds the connections shared by the commands of one invocation.
type env struct {
	cfg   *config.Config
	mongo *mongo.Client
	db    *mongo.Database
	redis *redisSvc.RedisService
}

func openEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	client, err := initMongo(ctx, cfg.Mongo)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	e := &env{cfg: cfg, mongo: client, db: client.Database(cfg.Mongo.Database)}

	if cfg.Task.QueueStore == "redis" || cfg.Nonce.Store == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		e.redis = redisSvc.NewRedis(rdb)
		if err := e.redis.Ping(ctx); err != nil {
			e.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}
	return e, nil
}

func initMongo(ctx context.Context, c config.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

func (e *env) close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if err := e.mongo.Disconnect(context.Background()); err != nil {
		log.Warn("mongo disconnect failed", zap.Error(err))
	}
}

func (e *env) identities() *identity.IdentityRepo {
	return identity.NewIdentityRepo(e.db)
}

// loadIdentity returns the identity configured for this device, it must have been
// created with "identity init" before.
func (e *env) loadIdentity(ctx context.Context) (*model.Identity, error) {
	if e.cfg.Identity == "" {
		return nil, fmt.Errorf("no identity configured, set identity in the config or pass --identity")
	}
	me, err := e.identities().GetByIdentity(ctx, e.cfg.Identity)
	if err != nil {
		return nil, err
	}
	if me == nil {
		return nil, fmt.Errorf("identity %s does not exist, run identity init first", e.cfg.Identity)
	}
	return me, nil
}

func (e *env) queueStore(me *model.Identity, name string) task.Store {
	key := fmt.Sprintf("%s:%s:%x:%s", e.cfg.Task.QueueKey, me.Identity, me.DeviceID, name)
	switch e.cfg.Task.QueueStore {
	case "redis":
		return taskqueue.NewRedisStore(e.redis, key)
	case "file":
		return taskqueue.NewFileStore(filepath.Join(e.cfg.DataDir, me.Identity, fmt.Sprintf("%x", me.DeviceID), name+".json"))
	default:
		return taskqueue.NewMemoryStore()
	}
}

func (e *env) nonceStore(me *model.Identity) nonce.Store {
	if e.cfg.Nonce.Store == "redis" {
		return nonceRepo.NewRedisRepo(e.redis, fmt.Sprintf("%s:%s:%x", e.cfg.Nonce.Key, me.Identity, me.DeviceID))
	}
	return nonceRepo.NewMemoryRepo()
}

func (e *env) newApp(ctx context.Context, onMessage func(*model.Message)) (*app.App, error) {
	me, err := e.loadIdentity(ctx)
	if err != nil {
		return nil, err
	}

	sessions := dhsession.NewMongoRepo(e.db)
	if err := sessions.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	stores := app.Stores{
		Contacts: contact.NewContactRepo(e.db, me.Identity),
		Messages: message.NewMessageRepo(e.db),
		Sessions: sessions,
		Nonces:   e.nonceStore(me),
		Incoming: e.queueStore(me, "incoming"),
		Outgoing: e.queueStore(me, "outgoing"),
	}

	var directory *app.Directory
	if e.cfg.Mediator.HTTPURL != "" {
		if directory, err = app.NewDirectory(e.cfg.Mediator.HTTPURL); err != nil {
			return nil, err
		}
	}
	return app.NewApp(e.cfg, me, stores, directory, onMessage)
}

// online runs a connected device until f returns. f is called once the outgoing
// queue is ready.
func (e *env) online(ctx context.Context, f func(ctx context.Context, a *app.App) error) error {
	a, err := e.newApp(ctx, nil)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan struct{})
	var once sync.Once
	a.OnReady(func() { once.Do(func() { close(ready) }) })

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(runCtx) }()

	select {
	case <-ready:
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	err = f(runCtx, a)
	cancel()
	<-runErr
	return err
}
