package dhsession

import (
	"context"
	"sync"

	fs "e2e_mediator/internal/protocol/forwardsecurity"
)

type peerKey struct {
	my, peer string
}

// MemoryRepo keeps sessions in process memory. Stored sessions are copied so callers
// cannot mutate the repo by accident.
type MemoryRepo struct {
	mu       sync.RWMutex
	sessions map[peerKey]map[fs.SessionID]*fs.Session
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: make(map[peerKey]map[fs.SessionID]*fs.Session)}
}

func (r *MemoryRepo) StoreSession(ctx context.Context, s *fs.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := peerKey{s.MyIdentity, s.PeerIdentity}
	if r.sessions[k] == nil {
		r.sessions[k] = make(map[fs.SessionID]*fs.Session)
	}
	r.sessions[k][s.ID] = clone(s)
	return nil
}

func (r *MemoryRepo) ExactSession(ctx context.Context, my, peer string, id fs.SessionID) (*fs.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[peerKey{my, peer}][id]
	if !ok {
		return nil, nil
	}
	return clone(s), nil
}

func (r *MemoryRepo) BestSession(ctx context.Context, my, peer string) (*fs.Session, error) {
	sessions, err := r.Sessions(ctx, my, peer)
	if err != nil {
		return nil, err
	}
	return fs.SelectBest(sessions), nil
}

func (r *MemoryRepo) Sessions(ctx context.Context, my, peer string) ([]*fs.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*fs.Session, 0, len(r.sessions[peerKey{my, peer}]))
	for _, s := range r.sessions[peerKey{my, peer}] {
		out = append(out, clone(s))
	}
	return out, nil
}

func (r *MemoryRepo) DeleteSession(ctx context.Context, my, peer string, id fs.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions[peerKey{my, peer}], id)
	return nil
}

func (r *MemoryRepo) DeleteAllSessionsExcept(ctx context.Context, my, peer string, keep fs.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.sessions[peerKey{my, peer}] {
		if id != keep {
			delete(r.sessions[peerKey{my, peer}], id)
		}
	}
	return nil
}

func clone(s *fs.Session) *fs.Session {
	c := *s
	c.MyEphemeralPublicKey = append([]byte(nil), s.MyEphemeralPublicKey...)
	if s.MyRatchet != nil {
		r := *s.MyRatchet
		r.ChainKey = append([]byte(nil), s.MyRatchet.ChainKey...)
		c.MyRatchet = &r
	}
	if s.PeerRatchet != nil {
		r := *s.PeerRatchet
		r.ChainKey = append([]byte(nil), s.PeerRatchet.ChainKey...)
		c.PeerRatchet = &r
	}
	return &c
}
