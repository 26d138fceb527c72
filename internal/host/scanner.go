package host

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/anoma/kassandra-service/internal/wire"
)

// wireWant and wireFlagEntry mirror the enclave's own wire shapes exactly
// (internal/enclave/engine.go); the scanner is the only host component
// that speaks "wants" and "feed", so it owns its own copies rather than
// importing the enclave package for two structs.
type wireWant struct {
	UUID          [16]byte `cbor:"uuid"`
	DesiredHeight uint64   `cbor:"desired_height"`
}

type wantsOkBody struct {
	Wants []wireWant `cbor:"wants"`
}

type wireFlagEntry struct {
	GlobalIndex uint64 `cbor:"global_index"`
	Flag        []byte `cbor:"flag"`
}

type feedBody struct {
	Height uint64          `cbor:"height"`
	Flags  []wireFlagEntry `cbor:"flags"`
}

type wireFeedResult struct {
	UUID       [16]byte `cbor:"uuid"`
	Ciphertext []byte   `cbor:"ciphertext"`
	Tag        [32]byte `cbor:"tag"`
}

type feedOkBody struct {
	Results []wireFeedResult `cbor:"results"`
}

// Scanner runs the host's scan-step loop (spec.md §4.3): while no client
// session is active, ask the enclave what heights it wants next, pull the
// minimal desired height's transactions from the tx store, feed them back,
// and persist the enclave's results keyed by the tag it emits. It only
// ever touches the enclave through Driver.RoundTrip, so it composes freely
// with the gateway's client-session bridging without breaking turn-taking.
type Scanner struct {
	driver  *Driver
	txs     TxStore
	results ResultStore
	idle    time.Duration
	health  *IndexerHealth
}

// NewScanner builds a Scanner. idle is the pause between steps that find
// nothing to do, keeping the loop from busy-spinning against an empty or
// caught-up tx store. health may be nil, in which case the scanner never
// pauses for ingestion staleness.
func NewScanner(driver *Driver, txs TxStore, results ResultStore, idle time.Duration, health *IndexerHealth) *Scanner {
	if idle <= 0 {
		idle = time.Second
	}
	return &Scanner{driver: driver, txs: txs, results: results, idle: idle, health: health}
}

// Run loops scan steps until ctx is cancelled. When the indexer has gone
// stale (health.Healthy reports false), steps are skipped entirely: there
// is nothing new for the enclave to consume, so polling it would only add
// log noise and churn against an unchanging tx store.
func (s *Scanner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if s.health != nil && !s.health.Healthy(time.Now()) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.idle):
			}
			continue
		}

		did, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if !did {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.idle):
			}
		}
	}
}

// Step performs at most one scan step: NextWants, then, if the minimal
// desired height has transactions ingested, a FeedBatch against them. It
// reports whether it found anything to do. Step treats any "_err" reply
// from the enclave (such as Busy while the gateway owns a client session,
// an ordinary, expected condition) as a no-op rather than a failure.
func (s *Scanner) Step(ctx context.Context) (bool, error) {
	wantsEnv, err := wire.NewEnvelope("wants", struct{}{})
	if err != nil {
		return false, fmt.Errorf("host: build wants envelope: %w", err)
	}
	reply, err := s.driver.RoundTrip(ctx, wantsEnv)
	if err != nil {
		return false, err
	}
	if reply.IsErr() {
		return false, nil
	}

	var wantsOk wantsOkBody
	if err := reply.Decode(&wantsOk); err != nil {
		return false, fmt.Errorf("host: decode wants_ok: %w", err)
	}
	if len(wantsOk.Wants) == 0 {
		return false, nil
	}

	minHeight := wantsOk.Wants[0].DesiredHeight
	for _, w := range wantsOk.Wants[1:] {
		if w.DesiredHeight < minHeight {
			minHeight = w.DesiredHeight
		}
	}

	maxIngested, hasAny := s.txs.MaxIngestedHeight()
	if !hasAny || minHeight > maxIngested {
		return false, nil
	}

	recs, err := s.txs.AtHeight(minHeight)
	if err != nil {
		return false, fmt.Errorf("host: read tx store at height %d: %w", minHeight, err)
	}

	flags := make([]wireFlagEntry, 0, len(recs))
	for _, r := range recs {
		flags = append(flags, wireFlagEntry{GlobalIndex: r.GlobalIndex, Flag: r.Flag})
	}

	feedEnv, err := wire.NewEnvelope("feed", feedBody{Height: minHeight, Flags: flags})
	if err != nil {
		return false, fmt.Errorf("host: build feed envelope: %w", err)
	}
	feedReply, err := s.driver.RoundTrip(ctx, feedEnv)
	if err != nil {
		return false, err
	}
	if feedReply.IsErr() {
		return false, nil
	}

	var feedOk feedOkBody
	if err := feedReply.Decode(&feedOk); err != nil {
		return false, fmt.Errorf("host: decode feed_ok: %w", err)
	}

	for _, r := range feedOk.Results {
		var heightBuf [8]byte
		binary.BigEndian.PutUint64(heightBuf[:], minHeight)
		row := ResultRow{
			SealedUUID:    append([]byte(nil), r.UUID[:]...),
			SealedPayload: r.Ciphertext,
			SealedHeight:  heightBuf[:],
		}
		if err := s.results.Put(r.Tag, row); err != nil {
			return false, fmt.Errorf("host: persist result for height %d: %w", minHeight, err)
		}
	}

	return true, nil
}
