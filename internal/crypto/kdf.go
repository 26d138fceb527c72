package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterSecretSize is the size of a client's MasterSecret (spec.md §3).
const MasterSecretSize = 32

// DeriveDetectionSeed derives the HKDF output mixed into the FMD detection
// key for one provider: HKDF(MasterSecret, salt="fmd-detect"||provider_index)
// (spec.md §3). The caller passes this seed, together with the requested
// false-positive rate, to the fmd package's Extract.
func DeriveDetectionSeed(masterSecret [MasterSecretSize]byte, providerIndex uint32, outLen int) ([]byte, error) {
	salt := make([]byte, 0, len("fmd-detect")+4)
	salt = append(salt, []byte("fmd-detect")...)
	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], providerIndex)
	salt = append(salt, idxBytes[:]...)

	out := make([]byte, outLen)
	reader := hkdf.New(sha256.New, masterSecret[:], salt, nil)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("crypto: derive detection seed: %w", err)
	}
	return out, nil
}

// DeriveResultEncryptionKey derives the 32-byte ResultEncryptionKey:
// HKDF(MasterSecret, salt="fmd-enc"||provider_uuid) (spec.md §3).
func DeriveResultEncryptionKey(masterSecret [MasterSecretSize]byte, providerUUID [16]byte) ([KeySize]byte, error) {
	salt := make([]byte, 0, len("fmd-enc")+16)
	salt = append(salt, []byte("fmd-enc")...)
	salt = append(salt, providerUUID[:]...)

	var out [KeySize]byte
	reader := hkdf.New(sha256.New, masterSecret[:], salt, nil)
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return out, fmt.Errorf("crypto: derive result encryption key: %w", err)
	}
	return out, nil
}

// ResultLookupTag computes the deterministic host-side lookup key:
// SHA-256(ResultEncryptionKey) (spec.md §3). Used by the host's
// HostResultStore as its primary key, and never by the enclave, so the
// host cannot link a lookup to a detection key without the client's
// participation.
func ResultLookupTag(encKey [KeySize]byte) [32]byte {
	return sha256.Sum256(encKey[:])
}

// ApportionRate picks a per-provider false-positive rate (as log2(1/γ))
// across numProviders providers such that the expected *intersected*
// false-positive rate approximates the user's requested overall rate
// γ_user, treating each provider's false-positive events as independent
// Bernoulli trials (spec.md §4.4): γ_i = γ_user^(1/N), clamped to the
// protocol's minimum γ_min. All arithmetic is integer log2 per spec.md §9
// ("the intersected rate is a sum of logs" — never floating point).
//
// fprLog2User is log2(1/γ_user); fprLog2Min is the protocol's γ_min encoded
// the same way (larger value = smaller, stricter rate). Returns the
// per-provider fprLog2 and whether clamping occurred (the caller warns and
// proceeds per spec.md §4.4 when clamping raises the intersected rate
// above the user's request).
func ApportionRate(fprLog2User, fprLog2Min uint32, numProviders int) (fprLog2PerProvider uint32, clamped bool) {
	if numProviders <= 0 {
		return fprLog2Min, false
	}

	// γ_i = γ_user^(1/N)  <=>  log2(1/γ_i) = log2(1/γ_user) / N.
	// Integer division rounds down the divisor's magnitude, i.e. rounds
	// the per-provider rate UP (less strict) — the intersection is then
	// at least as permissive as requested before any clamping, matching
	// the "warn and proceed" semantics of spec.md §4.4 rather than
	// silently under-delivering the requested rate.
	perProvider := fprLog2User / uint32(numProviders)

	if perProvider < fprLog2Min {
		return fprLog2Min, true
	}
	return perProvider, false
}

// IntersectedRateLog2 computes log2(1/γ_intersected) for numProviders
// independent providers each using fprLog2PerProvider, i.e. the sum of
// logs named in spec.md §9: log2(1/γ_user) = N * log2(1/γ_i).
func IntersectedRateLog2(fprLog2PerProvider uint32, numProviders int) uint32 {
	return fprLog2PerProvider * uint32(numProviders)
}
