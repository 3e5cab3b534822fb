package forwardsecurity

import "context"

// SessionStore persists sessions. Lookups return nil without error when nothing matches.
type SessionStore interface {
	StoreSession(ctx context.Context, s *Session) error
	ExactSession(ctx context.Context, myIdentity, peerIdentity string, id SessionID) (*Session, error)
	BestSession(ctx context.Context, myIdentity, peerIdentity string) (*Session, error)
	Sessions(ctx context.Context, myIdentity, peerIdentity string) ([]*Session, error)
	DeleteSession(ctx context.Context, myIdentity, peerIdentity string, id SessionID) error
	DeleteAllSessionsExcept(ctx context.Context, myIdentity, peerIdentity string, keep SessionID) error
}
