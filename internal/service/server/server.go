// Package server is a development mediator: it authenticates devices of a group,
// reflects envelopes between them, arbitrates transaction locks and relays chat
// frames between identities. It also serves the identity directory.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"e2e_mediator/internal/config"
	"e2e_mediator/internal/model"
	identityRepo "e2e_mediator/internal/repository/identity"
	"e2e_mediator/internal/service/redis"
	"e2e_mediator/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const maxDeviceSlots = 6

type (
	IdentityStore interface {
		GetByIdentity(ctx context.Context, identity string) (*model.Identity, error)
		Create(ctx context.Context, id *model.Identity) (primitive.ObjectID, error)
		List(ctx context.Context) ([]*model.PublicIdentity, error)
	}

	MediatorServer struct {
		cfg          config.ServerConfig
		identities   IdentityStore
		redisService *redis.RedisService
		locks        *LockTable
		upgrader     websocket.Upgrader

		mu    sync.RWMutex
		conns map[string]map[uint64]*device
	}
)

func NewMediatorServer(cfg config.ServerConfig, identities IdentityStore, redisSvc *redis.RedisService) *MediatorServer {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &MediatorServer{
		cfg:          cfg,
		identities:   identities,
		redisService: redisSvc,
		locks:        NewLockTable(nil),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]map[uint64]*device),
	}
}

func (s *MediatorServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/mediator/{group}", s.HandleMediatorWS()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{identity}", s.GetPublicKey()).Methods(http.MethodGet)
	r.HandleFunc("/identities", s.ListIdentities()).Methods(http.MethodGet)
	r.HandleFunc("/identities", s.RegisterIdentity()).Methods(http.MethodPost)
	return r
}

// Run serves until ctx is done.
func (s *MediatorServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mediator listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *MediatorServer) GetPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		identity := strings.ToUpper(mux.Vars(r)["identity"])
		log.Debug("GetPublicKey", zap.String("identity", identity))

		id, err := s.identities.GetByIdentity(ctx, identity)
		if err != nil {
			log.Error("get public key failed", zap.Error(err))
			http.Error(w, "get public key failed", http.StatusInternalServerError)
			return
		}
		if id == nil {
			http.Error(w, "identity does not exist", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, id.Public())
	}
}

func (s *MediatorServer) ListIdentities() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := s.identities.List(r.Context())
		if err != nil {
			log.Error("list identities failed", zap.Error(err))
			http.Error(w, "list identities failed", http.StatusInternalServerError)
			return
		}
		if ids == nil {
			ids = []*model.PublicIdentity{}
		}
		writeJSON(w, http.StatusOK, ids)
	}
}

// RegisterIdentity publishes a public key. Registering an identity again with the same
// key succeeds, with another key it is a conflict.
func (s *MediatorServer) RegisterIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var pub model.PublicIdentity
		if err := json.NewDecoder(r.Body).Decode(&pub); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		pub.Identity = strings.ToUpper(pub.Identity)
		if len(pub.Identity) != 8 || len(pub.PublicKey) != 32 {
			http.Error(w, "identity must be 8 characters and the key 32 bytes", http.StatusBadRequest)
			return
		}

		_, err := s.identities.Create(ctx, &model.Identity{Identity: pub.Identity, PublicKey: pub.PublicKey})
		if errors.Is(err, identityRepo.ErrIdentityExists) {
			existing, gerr := s.identities.GetByIdentity(ctx, pub.Identity)
			if gerr == nil && existing != nil && string(existing.PublicKey) == string(pub.PublicKey) {
				writeJSON(w, http.StatusOK, existing.Public())
				return
			}
			http.Error(w, "identity already registered", http.StatusConflict)
			return
		}
		if err != nil {
			log.Error("register identity failed", zap.Error(err))
			http.Error(w, "register identity failed", http.StatusInternalServerError)
			return
		}
		log.Info("identity registered", zap.String("identity", pub.Identity))
		writeJSON(w, http.StatusCreated, &pub)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
