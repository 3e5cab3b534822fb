// Package forwardsecurity implements forward secrecy sessions between two identities:
// a 2DH handshake (Init, Accept, Reject, Terminate), one symmetric ratchet per
// direction and the refresh procedure that keeps one usable session per peer.
package forwardsecurity

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

type SessionID [16]byte

func (id SessionID) String() string { return hex.EncodeToString(id[:]) }

func ParseSessionID(s string) (SessionID, error) {
	var id SessionID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("session id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

type Session struct {
	ID           SessionID
	MyIdentity   string
	PeerIdentity string

	// MyEphemeralPublicKey is kept while the session is not committed so the Init
	// can be sent again.
	MyEphemeralPublicKey []byte

	MyRatchet   *Ratchet
	PeerRatchet *Ratchet

	// Committed is set once both sides agreed on the session.
	Committed bool
	// Invalid is set when a message of the peer could not be decrypted.
	Invalid bool

	CreatedAt       time.Time
	LastMessageSent time.Time
}

// Usable reports whether the session can carry messages.
func (s *Session) Usable() bool {
	return !s.Invalid && s.MyRatchet != nil && s.PeerRatchet != nil
}

func (s *Session) commit() {
	s.Committed = true
	s.MyEphemeralPublicKey = nil
}

// SelectBest picks the preferred session out of all sessions with one peer:
// invalid sessions never qualify, committed sessions win, ties go to the lowest id.
func SelectBest(sessions []*Session) *Session {
	candidates := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Usable() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Committed != candidates[j].Committed {
			return candidates[i].Committed
		}
		return bytes.Compare(candidates[i].ID[:], candidates[j].ID[:]) < 0
	})
	return candidates[0]
}
