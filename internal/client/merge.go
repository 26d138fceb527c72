package client

// ProviderResult is one provider's decrypted query result: the indices it
// reports relevant and the height its answer is confirmed through
// (spec.md §4.4).
type ProviderResult struct {
	ProviderURL string
	Indices     []uint64
	Height      uint64
}

// MergedResult is the client's unified view across every provider: the
// union of all reported indices and the minimum confirmed height (the
// globally-safe sync point, spec.md §4.4's "unions all indices_i ... and
// reports min(height_i)").
type MergedResult struct {
	Indices         []uint64
	ConfirmedHeight uint64
}

// Merge unions every provider's indices and takes the minimum height
// across all of them, the same fan-in-then-combine shape as the teacher's
// UnifiedBook (there: two order books into one arbitrage view; here: N
// provider result sets into one confirmed index set). Returns a zero
// MergedResult if results is empty.
func Merge(results []ProviderResult) MergedResult {
	if len(results) == 0 {
		return MergedResult{}
	}

	seen := make(map[uint64]struct{})
	var union []uint64
	minHeight := results[0].Height

	for _, r := range results {
		if r.Height < minHeight {
			minHeight = r.Height
		}
		for _, idx := range r.Indices {
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			union = append(union, idx)
		}
	}

	return MergedResult{Indices: union, ConfirmedHeight: minHeight}
}
