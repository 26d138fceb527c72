package enclave

import (
	"fmt"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	kassandracrypto "github.com/anoma/kassandra-service/internal/crypto"
	"github.com/anoma/kassandra-service/internal/fmd"
)

// registeredKey is the enclave's in-memory record for one registration
// (spec.md §3). detectionKey and encKey are sealed in memguard enclaves
// at rest and only opened momentarily, generalizing the teacher's
// SessionManager pattern (internal/signer/session.go) from a single
// signing key to an N-entry table of FMD keys.
type registeredKey struct {
	uuid [16]byte

	detectionEnclave *memguard.Enclave // fmd.DetectionKey bytes
	encKeyEnclave    *memguard.Enclave // 32-byte ResultEncryptionKey

	birthday     uint64
	syncedHeight uint64   // inclusive last block height scanned
	indexSet     []uint64 // accumulated, append-only, ascending
}

// Registry is the enclave's fixed-capacity registered-key table. Per
// spec.md §9, capacity is bounded up front rather than grown dynamically,
// so enclave memory reasoning doesn't depend on an attacker-controlled
// registration count.
type Registry struct {
	mu       sync.Mutex
	capacity int
	byUUID   map[[16]byte]*registeredKey
	order    []*registeredKey // registration order, used to build NextWants deterministically
}

// ErrRegistryFull is returned when Register is called at capacity.
var ErrRegistryFull = fmt.Errorf("enclave: registration table full")

// NewRegistry creates an empty Registry with the given fixed capacity.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		byUUID:   make(map[[16]byte]*registeredKey, capacity),
	}
}

// Register seals detectionKey and encKey and adds a new entry with a
// freshly minted v4 UUID. Duplicate detection keys are never checked —
// spec.md §9 treats repeat registrations of the same key as independent
// registrations yielding distinct UUIDs and distinct result rows.
func (r *Registry) Register(detectionKey fmd.DetectionKey, encKey [32]byte, birthday uint64) ([16]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) >= r.capacity {
		return [16]byte{}, ErrRegistryFull
	}

	id := uuid.New()
	var idBytes [16]byte
	copy(idBytes[:], id[:])

	rk := &registeredKey{
		uuid:             idBytes,
		detectionEnclave: memguard.NewEnclave(append([]byte(nil), detectionKey...)),
		encKeyEnclave:    memguard.NewEnclave(append([]byte(nil), encKey[:]...)),
		birthday:         birthday,
		syncedHeight:     birthday - 1,
	}

	r.byUUID[idBytes] = rk
	r.order = append(r.order, rk)

	return idBytes, nil
}

// Want is one entry of NextWants: a registered key's uuid and the next
// height it wants scanned.
type Want struct {
	UUID          [16]byte
	DesiredHeight uint64
}

// NextWants returns, in registration order, the next desired height for
// every registered key (spec.md §4.1's NextWants op).
func (r *Registry) NextWants() []Want {
	r.mu.Lock()
	defer r.mu.Unlock()

	wants := make([]Want, 0, len(r.order))
	for _, rk := range r.order {
		wants = append(wants, Want{UUID: rk.uuid, DesiredHeight: rk.syncedHeight + 1})
	}
	return wants
}

// MinDesiredHeight returns the minimum NextWants height across every
// registered key, or (0, false) if none are registered. FeedBatch must be
// called at exactly this height (spec.md §4.1, invariant §8.5).
func (r *Registry) MinDesiredHeight() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return 0, false
	}

	min := r.order[0].syncedHeight + 1
	for _, rk := range r.order[1:] {
		if h := rk.syncedHeight + 1; h < min {
			min = h
		}
	}
	return min, true
}

// FeedResult is one (uuid, encrypted delta) pair produced by a FeedBatch.
// Tag is the ResultLookupTag derived from the key's own enc_key so the host
// can persist the result under the same tag a client's later Query will
// compute, without the host ever holding enc_key itself (spec.md §4.3).
type FeedResult struct {
	UUID       [16]byte
	Ciphertext []byte
	Tag        [32]byte
}

// Delta is the decrypted payload a FeedBatch result carries before
// encryption: new indices observed at height h, plus h itself (spec.md
// §4.1 point 2).
type Delta struct {
	Indices []uint64 `cbor:"indices"`
	Height  uint64   `cbor:"height"`
}

// openDetectionKey momentarily unseals rk's detection key for use within
// the caller's closure, matching the teacher's open-use-destroy discipline
// (internal/signer/session.go's Sign).
func (rk *registeredKey) openDetectionKey(use func(fmd.DetectionKey) error) error {
	buf, err := rk.detectionEnclave.Open()
	if err != nil {
		return fmt.Errorf("enclave: open detection key enclave: %w", err)
	}
	defer buf.Destroy()
	return use(fmd.DetectionKey(buf.Bytes()))
}

// openEncKey momentarily unseals rk's result-encryption key.
func (rk *registeredKey) openEncKey(use func([32]byte) error) error {
	buf, err := rk.encKeyEnclave.Open()
	if err != nil {
		return fmt.Errorf("enclave: open encryption key enclave: %w", err)
	}
	defer buf.Destroy()

	var key [32]byte
	copy(key[:], buf.Bytes())
	return use(key)
}

// indexSetSnapshot returns a copy of rk's accumulated index set, sorted
// ascending.
func (rk *registeredKey) indexSetSnapshot() []uint64 {
	out := make([]uint64, len(rk.indexSet))
	copy(out, rk.indexSet)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// byUUIDLocked looks up a registered key without taking the lock; callers
// must already hold r.mu.
func (r *Registry) byUUIDLocked(id [16]byte) (*registeredKey, bool) {
	rk, ok := r.byUUID[id]
	return rk, ok
}

// FlagEntry is one host-supplied transaction in a FeedBatch: its global
// MASP index (spec.md §3's HostTxStore key) and the opaque flag
// ciphertext to test (spec.md §4.1).
type FlagEntry struct {
	GlobalIndex uint64
	Flag        fmd.FlagCiphertext
}

func (r *Registry) minDesiredHeightLocked() (uint64, bool) {
	if len(r.order) == 0 {
		return 0, false
	}
	min := r.order[0].syncedHeight + 1
	for _, rk := range r.order[1:] {
		if h := rk.syncedHeight + 1; h < min {
			min = h
		}
	}
	return min, true
}

// ApplyFeedBatch implements the enclave's FMD inner loop (spec.md §4.1):
// for every registered key due at height h, test each flag in ascending
// global-index order, accumulate matches into the key's index_set, advance
// synced_height, and emit a deterministically-nonced encrypted delta.
// Results are returned in the same order as NextWants presented the keys.
func (r *Registry) ApplyFeedBatch(scheme fmd.Scheme, height uint64, flags []FlagEntry) ([]FeedResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	minHeight, ok := r.minDesiredHeightLocked()
	if !ok {
		// No registered keys: nothing to scan, nothing to reject.
		return nil, nil
	}
	if height != minHeight {
		return nil, ErrHeightSkipped
	}

	sorted := append([]FlagEntry(nil), flags...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GlobalIndex < sorted[j].GlobalIndex })

	results := make([]FeedResult, 0, len(r.order))
	for _, rk := range r.order {
		if rk.syncedHeight+1 != height {
			continue
		}

		var delta []uint64
		for _, entry := range sorted {
			var matched bool
			err := rk.openDetectionKey(func(dk fmd.DetectionKey) error {
				matched = scheme.Detect(dk, entry.Flag)
				return nil
			})
			if err != nil {
				return nil, err
			}
			if matched {
				delta = append(delta, entry.GlobalIndex)
			}
		}

		rk.indexSet = append(rk.indexSet, delta...)
		rk.syncedHeight = height

		ct, err := encryptDelta(rk, height, delta)
		if err != nil {
			return nil, err
		}

		var tag [32]byte
		if err := rk.openEncKey(func(key [32]byte) error {
			tag = kassandracrypto.ResultLookupTag(key)
			return nil
		}); err != nil {
			return nil, err
		}

		results = append(results, FeedResult{UUID: rk.uuid, Ciphertext: ct, Tag: tag})
	}

	return results, nil
}

// encryptDelta serializes (indices, height) canonically and encrypts it
// under rk's result-encryption key with the deterministic nonce described
// in spec.md §4.1 point 3.
func encryptDelta(rk *registeredKey, height uint64, indices []uint64) ([]byte, error) {
	raw, err := cbor.Marshal(Delta{Indices: indices, Height: height})
	if err != nil {
		return nil, fmt.Errorf("enclave: marshal delta: %w", err)
	}

	nonce := kassandracrypto.DeterministicResultNonce(rk.uuid, height)

	var ct []byte
	err = rk.openEncKey(func(key [32]byte) error {
		aead, err := chacha20poly1305.New(key[:])
		if err != nil {
			return fmt.Errorf("enclave: new aead: %w", err)
		}
		ct = aead.Seal(nil, nonce[:], raw, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ct, nil
}
