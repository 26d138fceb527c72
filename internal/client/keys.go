// Package client implements the trusted Kassandra client: per-provider key
// derivation and apportionment, the attested handshake and register/query
// round trips, multi-provider result merging, and persisted configuration
// (spec.md §4.4).
package client

import (
	"fmt"

	"github.com/google/uuid"

	kassandracrypto "github.com/anoma/kassandra-service/internal/crypto"
	"github.com/anoma/kassandra-service/internal/fmd"
)

// MasterSecret is the client's single root secret (spec.md §3); every
// provider's detection and encryption keys are derived from it, sealed at
// rest with memguard between uses (see cmd/kassandra/main.go).
type MasterSecret [kassandracrypto.MasterSecretSize]byte

// ProviderKeys is one provider's derived FMD material: the registration
// request fields plus the encryption key the client must keep to decrypt
// that provider's results later.
type ProviderKeys struct {
	DetectionKey fmd.DetectionKey
	EncKey       [32]byte
	FprLog2      uint32
}

// preRegistrationKeySalt returns a deterministic 16-byte identifier for
// providerIndex, stable across runs, computed before any registration
// happens. spec.md §3 salts ResultEncryptionKey's HKDF with "provider_uuid,
// minted by the enclave at registration time" — but enc_key is itself a
// field of the registration request, sent before that uuid exists. This
// resolves the ordering by salting with a value the client already knows
// (derived from provider_index, never transmitted), so enc_key is fully
// computable before registration; the enclave-assigned uuid returned by
// Register is then only used for providers.json bookkeeping.
func preRegistrationKeySalt(providerIndex uint32) [16]byte {
	id := uuid.NewMD5(uuid.Nil, []byte(fmt.Sprintf("kassandra-provider-%d", providerIndex)))
	var out [16]byte
	copy(out[:], id[:])
	return out
}

// DeriveProviderKeys derives provider index providerIndex's detection and
// encryption keys from secret, extracting the detection key at the given
// false-positive rate via scheme (spec.md §3's seed derivation plus §1's
// black-box Extract). salt is passed through to Extract unchanged; FMD
// schemes that don't need one may ignore it.
func DeriveProviderKeys(scheme fmd.Scheme, secret MasterSecret, providerIndex uint32, fprLog2 uint32, salt []byte) (ProviderKeys, error) {
	seed, err := kassandracrypto.DeriveDetectionSeed(secret, providerIndex, 32)
	if err != nil {
		return ProviderKeys{}, fmt.Errorf("client: derive detection seed: %w", err)
	}

	dk, err := scheme.Extract(seed, fprLog2, salt)
	if err != nil {
		return ProviderKeys{}, fmt.Errorf("client: extract detection key: %w", err)
	}

	encKey, err := kassandracrypto.DeriveResultEncryptionKey(secret, preRegistrationKeySalt(providerIndex))
	if err != nil {
		return ProviderKeys{}, fmt.Errorf("client: derive result encryption key: %w", err)
	}

	return ProviderKeys{DetectionKey: dk, EncKey: encKey, FprLog2: fprLog2}, nil
}

// Apportion picks each of numProviders providers' per-provider fprLog2 so
// their intersected false-positive rate approximates fprLog2User,
// clamping to fprLog2Min and reporting whether any clamping occurred
// (spec.md §4.4).
func Apportion(fprLog2User, fprLog2Min uint32, numProviders int) (fprLog2PerProvider uint32, clamped bool) {
	return kassandracrypto.ApportionRate(fprLog2User, fprLog2Min, numProviders)
}

// IntersectedRate reports the actual intersected fprLog2 numProviders
// providers achieve at fprLog2PerProvider each, so callers can warn when
// clamping pushed the achieved rate above what the user requested.
func IntersectedRate(fprLog2PerProvider uint32, numProviders int) uint32 {
	return kassandracrypto.IntersectedRateLog2(fprLog2PerProvider, numProviders)
}
