package forwardsecurity

import (
	"crypto/rand"
	"time"

	"e2e_mediator/internal/cryptographic/dh"
	"e2e_mediator/internal/cryptographic/kdf"
	"e2e_mediator/internal/model"
)

// handshakeSecret combines the ephemeral-static and static-static DH outputs.
func handshakeSecret(dh1, dh2 []byte) ([]byte, error) {
	concat := make([]byte, 0, len(dh1)+len(dh2))
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)

	sk := make([]byte, 32)
	if _, err := kdf.HKDF(concat, nil, []byte(kdfPersonal+" SharedKey"), sk); err != nil {
		return nil, err
	}
	return sk, nil
}

func newSessionID() (SessionID, error) {
	var id SessionID
	_, err := rand.Read(id[:])
	return id, err
}

// newInitiatorSession creates the local half of a session we offer to peer.
func newInitiatorSession(my *model.Identity, peerIdentity string, peerPublicKey []byte) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	ekPriv, ekPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := dh.X25519SharedSecret(ekPriv[:], peerPublicKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.X25519SharedSecret(my.PrivateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := handshakeSecret(dh1, dh2)
	if err != nil {
		return nil, err
	}
	initiatorChain, responderChain, err := KDFSessionChains(secret, id)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:                   id,
		MyIdentity:           my.Identity,
		PeerIdentity:         peerIdentity,
		MyEphemeralPublicKey: ekPub[:],
		MyRatchet:            newRatchet(initiatorChain),
		PeerRatchet:          newRatchet(responderChain),
		CreatedAt:            time.Now(),
	}, nil
}

// newResponderSession builds our half of a session offered by peer in init.
func newResponderSession(my *model.Identity, peerIdentity string, peerPublicKey []byte, init *Init) (*Session, error) {
	dh1, err := dh.X25519SharedSecret(my.PrivateKey, init.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.X25519SharedSecret(my.PrivateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := handshakeSecret(dh1, dh2)
	if err != nil {
		return nil, err
	}
	initiatorChain, responderChain, err := KDFSessionChains(secret, init.SessionID)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:           init.SessionID,
		MyIdentity:   my.Identity,
		PeerIdentity: peerIdentity,
		MyRatchet:    newRatchet(responderChain),
		PeerRatchet:  newRatchet(initiatorChain),
		Committed:    true,
		CreatedAt:    time.Now(),
	}, nil
}
