package host

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"
)

// IndexerConfig tunes the indexer polling loop's backoff, mirroring the
// teacher's WSClient reconnect knobs (internal/adapter/websocket.go).
type IndexerConfig struct {
	BaseURL        string
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
}

// DefaultIndexerConfig returns sane polling defaults.
func DefaultIndexerConfig(baseURL string) IndexerConfig {
	return IndexerConfig{
		BaseURL:        baseURL,
		PollInterval:   2 * time.Second,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// indexerBlock is the MASP indexer's JSON response shape for one block.
type indexerBlock struct {
	Height uint64 `json:"height"`
	Txs    []struct {
		GlobalIndex uint64 `json:"global_index"`
		FlagHex     string `json:"flag_hex"`
		PayloadPtr  string `json:"payload_ptr"`
	} `json:"txs"`
}

// Indexer polls the MASP indexer HTTP endpoint for new blocks and appends
// their transactions into a TxStore (spec.md §4.3). It runs independently
// of the enclave driver — ingestion never touches the enclave stream.
type Indexer struct {
	cfg    IndexerConfig
	client *http.Client
	txs    TxStore
	health *IndexerHealth

	// haveNext/next track the next height to fetch independently of
	// TxStore: a block with zero transactions never calls txs.Append, so
	// deriving "next" solely from txs.MaxIngestedHeight() would re-fetch
	// the same empty block forever.
	haveNext bool
	next     uint64
}

// NewIndexer builds an Indexer against cfg, writing into txs. health may be
// nil, in which case liveness reporting is skipped.
func NewIndexer(cfg IndexerConfig, txs TxStore, health *IndexerHealth) *Indexer {
	return &Indexer{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		txs:    txs,
		health: health,
	}
}

// Run polls until ctx is cancelled, backing off exponentially on error and
// logging each failure (spec.md's IndexerUnreachable handling).
func (ix *Indexer) Run(ctx context.Context) error {
	delay := ix.cfg.BackoffInitial

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		advanced, err := ix.pollOnce(ctx)
		if err != nil {
			log.Printf("indexer: poll failed: %v (retry in %v)", err, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = time.Duration(math.Min(
				float64(delay)*ix.cfg.BackoffFactor,
				float64(ix.cfg.BackoffMax),
			))
			continue
		}

		if ix.health != nil {
			ix.health.ReportSuccess(time.Now())
		}
		delay = ix.cfg.BackoffInitial
		if !advanced {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(ix.cfg.PollInterval):
			}
		}
	}
}

// pollOnce fetches the next un-ingested block, if any, and appends its
// transactions to the tx store. It reports whether a block was ingested.
func (ix *Indexer) pollOnce(ctx context.Context) (bool, error) {
	next := uint64(0)
	if ix.haveNext {
		next = ix.next
	} else if max, ok := ix.txs.MaxIngestedHeight(); ok {
		next = max + 1
	}

	block, ok, err := ix.fetchBlock(ctx, next)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	for _, tx := range block.Txs {
		flag, err := hex.DecodeString(tx.FlagHex)
		if err != nil {
			return false, fmt.Errorf("indexer: decode flag hex at height %d: %w", block.Height, err)
		}
		if err := ix.txs.Append(TxRecord{
			GlobalIndex: tx.GlobalIndex,
			Height:      block.Height,
			Flag:        flag,
			PayloadPtr:  tx.PayloadPtr,
		}); err != nil {
			return false, fmt.Errorf("indexer: append tx store at height %d: %w", block.Height, err)
		}
	}

	ix.haveNext = true
	ix.next = block.Height + 1
	return true, nil
}

func (ix *Indexer) fetchBlock(ctx context.Context, height uint64) (indexerBlock, bool, error) {
	url := fmt.Sprintf("%s/blocks/%d", ix.cfg.BaseURL, height)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return indexerBlock{}, false, fmt.Errorf("indexer: build request: %w", err)
	}

	resp, err := ix.client.Do(req)
	if err != nil {
		return indexerBlock{}, false, fmt.Errorf("indexer: fetch block %d: %w", height, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return indexerBlock{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return indexerBlock{}, false, fmt.Errorf("indexer: unexpected status %d fetching block %d", resp.StatusCode, height)
	}

	var block indexerBlock
	if err := json.NewDecoder(resp.Body).Decode(&block); err != nil {
		return indexerBlock{}, false, fmt.Errorf("indexer: decode block %d: %w", height, err)
	}
	return block, true, nil
}
