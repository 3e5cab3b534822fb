package forwardsecurity

import (
	"encoding/binary"
	"errors"
	"fmt"

	"e2e_mediator/internal/cryptographic/encryption"
)

const MaxSkip = 1000

var (
	ErrCounterReplayed = errors.New("ratchet counter already used")
	ErrSkipLimit       = errors.New("ratchet skip limit exceeded")
)

// Ratchet is one symmetric KDF chain. Every message advances it by one step.
type Ratchet struct {
	ChainKey []byte
	Counter  uint64
}

func newRatchet(chainKey []byte) *Ratchet {
	return &Ratchet{ChainKey: chainKey}
}

// Turn advances the chain once and returns the message key for the old counter.
func (r *Ratchet) Turn() (msgKey []byte, counter uint64, err error) {
	next, mk, err := KDFChainKey(r.ChainKey)
	if err != nil {
		return nil, 0, err
	}
	counter = r.Counter
	r.ChainKey = next
	r.Counter++
	return mk, counter, nil
}

// TurnUntil advances the chain to target and returns the message key for target.
// Counters below the current one were already consumed.
func (r *Ratchet) TurnUntil(target uint64) ([]byte, error) {
	if target < r.Counter {
		return nil, fmt.Errorf("%w: %d < %d", ErrCounterReplayed, target, r.Counter)
	}
	if target-r.Counter > MaxSkip {
		return nil, fmt.Errorf("%w: attempting to skip %d keys (max %d)", ErrSkipLimit, target-r.Counter, MaxSkip)
	}
	for r.Counter < target {
		if _, _, err := r.Turn(); err != nil {
			return nil, err
		}
	}
	mk, _, err := r.Turn()
	return mk, err
}

func (r *Ratchet) clone() *Ratchet {
	if r == nil {
		return nil
	}
	return &Ratchet{ChainKey: append([]byte(nil), r.ChainKey...), Counter: r.Counter}
}

func dataAAD(id SessionID, counter uint64) []byte {
	b := make([]byte, len(id)+8)
	copy(b, id[:])
	binary.BigEndian.PutUint64(b[len(id):], counter)
	return b
}

// seal encrypts plaintext with the next key of the sending chain.
func (s *Session) seal(plaintext []byte) (*Data, error) {
	if s.MyRatchet == nil {
		return nil, errors.New("session has no sending chain")
	}
	mk, counter, err := s.MyRatchet.Turn()
	if err != nil {
		return nil, err
	}
	ct, err := encryption.AEADEncrypt(mk, plaintext, dataAAD(s.ID, counter))
	if err != nil {
		return nil, err
	}
	return &Data{SessionID: s.ID, Counter: counter, Ciphertext: ct}, nil
}

// open decrypts d. The receiving chain only advances when decryption succeeds.
func (s *Session) open(d *Data) ([]byte, error) {
	if s.PeerRatchet == nil {
		return nil, errors.New("session has no receiving chain")
	}
	r := s.PeerRatchet.clone()
	mk, err := r.TurnUntil(d.Counter)
	if err != nil {
		return nil, err
	}
	plain, err := encryption.AEADDecrypt(mk, d.Ciphertext, dataAAD(s.ID, d.Counter))
	if err != nil {
		return nil, err
	}
	s.PeerRatchet = r
	return plain, nil
}
