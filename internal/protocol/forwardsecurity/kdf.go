package forwardsecurity

import (
	"e2e_mediator/internal/cryptographic/kdf"
)

const kdfPersonal = "3ma-e2e"

// KDFSessionChains derives the two directional chain keys of a session from the
// handshake secret. The session id acts as salt.
// Uses HKDF with SHA-256, info = "3ma-e2e ke-2dh".
func KDFSessionChains(secret []byte, id SessionID) (initiatorChain, responderChain []byte, err error) {
	buffer := make([]byte, 64)
	_, err = kdf.HKDF(secret, id[:], []byte(kdfPersonal+" ke-2dh"), buffer)
	if err != nil {
		return nil, nil, err
	}
	return buffer[:32], buffer[32:], nil
}

// KDFChainKey derives the next ChainKey and a MessageKey.
// Uses HKDF with SHA-256, info = "3ma-e2e chain".
func KDFChainKey(chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	salt := chainKey
	ikm := []byte("ChainInput")
	info := []byte(kdfPersonal + " chain")

	buffer := make([]byte, 64)
	_, err = kdf.HKDF(ikm, salt, info, buffer)
	if err != nil {
		return nil, nil, err
	}

	return buffer[:32], buffer[32:], nil
}
