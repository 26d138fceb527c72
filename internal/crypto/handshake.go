// Package crypto implements Kassandra's attested-handshake primitives:
// X25519 ephemeral key agreement, HKDF-SHA256 session-key derivation with
// directional sub-keys, and ChaCha20-Poly1305 AEAD framing with a
// deterministic, strictly increasing nonce counter. It also derives the
// client's per-provider detection and result-encryption keys from the
// user's master secret (spec.md §3).
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of an X25519 key and a ChaCha20-Poly1305 key.
const KeySize = 32

// Keypair is an X25519 key pair. Priv should be zeroed with Zero once the
// shared secret has been computed.
type Keypair struct {
	Priv [KeySize]byte
	Pub  [KeySize]byte
}

// Zero overwrites the private half of the keypair.
func (k *Keypair) Zero() {
	for i := range k.Priv {
		k.Priv[i] = 0
	}
}

// GenerateKeypair creates a new ephemeral X25519 keypair, clamped per the
// X25519 specification.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Priv[:]); err != nil {
		return Keypair{}, fmt.Errorf("crypto: generate private key: %w", err)
	}
	kp.Priv[0] &= 248
	kp.Priv[31] &= 127
	kp.Priv[31] |= 64

	curve25519.ScalarBaseMult(&kp.Pub, &kp.Priv)
	return kp, nil
}

// RandomNonce32 returns 32 fresh random bytes, used for the handshake's
// server_nonce and client_nonce.
func RandomNonce32() ([32]byte, error) {
	var n [32]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("crypto: random nonce: %w", err)
	}
	return n, nil
}

// ECDH performs X25519 Diffie-Hellman and rejects low-order results.
func ECDH(priv, remotePub [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	var zero [KeySize]byte

	if remotePub == zero {
		return shared, fmt.Errorf("crypto: remote public key is the zero key")
	}

	curve25519.ScalarMult(&shared, &priv, &remotePub)
	if shared == zero {
		return shared, fmt.Errorf("crypto: ecdh result is a low-order point")
	}
	return shared, nil
}

// sessionInfo disambiguates the two directional sub-keys derived from one
// handshake's shared secret (spec.md §4.2 point 8).
const (
	infoServerToClient = "kassandra-session/server-to-client"
	infoClientToServer = "kassandra-session/client-to-server"
)

// SessionKeys holds the two directional AEAD keys derived from one
// handshake. serverToClient encrypts enclave→client traffic; clientToServer
// encrypts client→enclave traffic.
type SessionKeys struct {
	ServerToClient [KeySize]byte
	ClientToServer [KeySize]byte
}

// DeriveSessionKeys computes both directional sub-keys via
// HKDF(shared, salt=serverNonce||clientNonce, info=...) per spec.md §4.2.
func DeriveSessionKeys(shared [KeySize]byte, serverNonce, clientNonce [32]byte) (SessionKeys, error) {
	salt := make([]byte, 0, 64)
	salt = append(salt, serverNonce[:]...)
	salt = append(salt, clientNonce[:]...)

	var keys SessionKeys
	if err := derive(shared, salt, infoServerToClient, keys.ServerToClient[:]); err != nil {
		return SessionKeys{}, err
	}
	if err := derive(shared, salt, infoClientToServer, keys.ClientToServer[:]); err != nil {
		return SessionKeys{}, err
	}
	return keys, nil
}

func derive(shared [KeySize]byte, salt []byte, info string, out []byte) error {
	reader := hkdf.New(sha256.New, shared[:], salt, []byte(info))
	if _, err := io.ReadFull(reader, out); err != nil {
		return fmt.Errorf("crypto: hkdf derive %q: %w", info, err)
	}
	return nil
}

// ReportData computes the handshake's attested-binding digest:
// SHA-256("kassandra-handshake-v1" || ephemeralPub || serverNonce),
// per spec.md §4.2 point 2 and the invariant in spec.md §8.3.
func ReportData(ephemeralPub [KeySize]byte, serverNonce [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte("kassandra-handshake-v1"))
	h.Write(ephemeralPub[:])
	h.Write(serverNonce[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
