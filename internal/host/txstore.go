package host

import (
	"fmt"
	"sort"
	"sync"
)

// TxRecord is one entry of HostTxStore (spec.md §3): a MASP transaction's
// block height, opaque FMD flag ciphertext, and a pointer to its full
// payload (never interpreted by this repository).
type TxRecord struct {
	GlobalIndex uint64
	Height      uint64
	Flag        []byte
	PayloadPtr  string
}

// TxStore is the append-only, height-ordered log of ingested MASP
// transactions. Spec.md §1 places the real SQLite persistence layer out
// of scope ("treated as a durable key/value and append log"); this
// in-memory implementation stands in for it so the scanner and indexer
// have a concrete dependency to compile against. A production deployment
// swaps this for a SQLite-backed TxStore behind the same interface.
type TxStore interface {
	Append(rec TxRecord) error
	AtHeight(height uint64) ([]TxRecord, error)
	MaxIngestedHeight() (uint64, bool)
}

type memTxStore struct {
	mu        sync.RWMutex
	byHeight  map[uint64][]TxRecord
	maxHeight uint64
	hasAny    bool
	dek       *DataEncryptionKey
}

// NewMemTxStore returns the in-memory reference TxStore. dek may be nil, in
// which case Flag is kept in the clear (used by tests that don't exercise
// at-rest encryption); a running host always passes the unwrapped key.
func NewMemTxStore(dek *DataEncryptionKey) TxStore {
	return &memTxStore{byHeight: make(map[uint64][]TxRecord), dek: dek}
}

func (s *memTxStore) Append(rec TxRecord) error {
	if s.dek != nil {
		sealed, err := s.dek.Seal(rec.Flag)
		if err != nil {
			return fmt.Errorf("host: seal tx flag at height %d: %w", rec.Height, err)
		}
		rec.Flag = sealed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byHeight[rec.Height] = append(s.byHeight[rec.Height], rec)
	if !s.hasAny || rec.Height > s.maxHeight {
		s.maxHeight = rec.Height
		s.hasAny = true
	}
	return nil
}

func (s *memTxStore) AtHeight(height uint64) ([]TxRecord, error) {
	s.mu.RLock()
	recs := s.byHeight[height]
	out := make([]TxRecord, len(recs))
	copy(out, recs)
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].GlobalIndex < out[j].GlobalIndex })

	if s.dek != nil {
		for i, rec := range out {
			plain, err := s.dek.Open(rec.Flag)
			if err != nil {
				return nil, fmt.Errorf("host: open tx flag at height %d: %w", height, err)
			}
			out[i].Flag = plain
		}
	}
	return out, nil
}

func (s *memTxStore) MaxIngestedHeight() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxHeight, s.hasAny
}
