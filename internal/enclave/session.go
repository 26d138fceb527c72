package enclave

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	kassandracrypto "github.com/anoma/kassandra-service/internal/crypto"
)

// handshakePhase tracks where one client session is within the attested
// handshake (spec.md §4.2).
type handshakePhase int

const (
	phaseAwaitingClientHello handshakePhase = iota
	phaseEstablished
)

// clientSession is the enclave's per-session handshake and tunnel state
// while InClientSession (spec.md §4.1). Exactly one exists at a time, per
// spec.md's "only one client session exists at any time."
type clientSession struct {
	id [16]byte

	phase       handshakePhase
	ephemeral   kassandracrypto.Keypair
	serverNonce [32]byte

	serverToClient *kassandracrypto.SessionCipher
	clientToServer *kassandracrypto.SessionCipher
}

// clientHelloPayload is the cleartext payload of the session's first
// SessionData frame (spec.md §4.2 step 6) — sent before any session keys
// exist, so it cannot itself be encrypted.
type clientHelloPayload struct {
	CPk         [32]byte `cbor:"c_pk"`
	ClientNonce [32]byte `cbor:"client_nonce"`
}

// handleFirstData consumes the session's ClientHello and derives both
// directional session keys, completing the handshake (spec.md §4.2 steps
// 6–8). The ephemeral private key is zeroed immediately afterward since it
// is never needed again.
func (cs *clientSession) handleFirstData(raw []byte) error {
	var hello clientHelloPayload
	if err := cbor.Unmarshal(raw, &hello); err != nil {
		return fmt.Errorf("%w: client hello: %v", ErrMalformedBatch, err)
	}

	shared, err := kassandracrypto.ECDH(cs.ephemeral.Priv, hello.CPk)
	if err != nil {
		return fmt.Errorf("enclave: handshake ecdh: %w", err)
	}
	cs.ephemeral.Zero()

	keys, err := kassandracrypto.DeriveSessionKeys(shared, cs.serverNonce, hello.ClientNonce)
	if err != nil {
		return fmt.Errorf("enclave: derive session keys: %w", err)
	}

	cs.serverToClient = kassandracrypto.NewSessionCipher(keys.ServerToClient)
	cs.clientToServer = kassandracrypto.NewSessionCipher(keys.ClientToServer)
	cs.phase = phaseEstablished

	return nil
}

// decryptData decrypts an established session's incoming SessionData
// ciphertext.
func (cs *clientSession) decryptData(ciphertext []byte) ([]byte, error) {
	return cs.clientToServer.Open(ciphertext, nil)
}

// encryptData encrypts an outgoing SessionData reply.
func (cs *clientSession) encryptData(plaintext []byte) ([]byte, error) {
	ct, _, err := cs.serverToClient.Seal(plaintext, nil)
	return ct, err
}
