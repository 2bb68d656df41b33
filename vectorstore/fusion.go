package vectorstore

import (
	"sort"

	"github.com/zoeflow/zoeflow/schema"
)

// rrfK is the reciprocal-rank-fusion smoothing constant.
const rrfK = 60.0

// FuseRRF merges per-query result lists into one ranking. Each
// appearance contributes 1/(rank + k); text and metadata come from the
// item's first appearance. Ties break deterministically on
// first-appearance order. topK <= 0 returns the full fused list.
func FuseRRF(lists [][]schema.QueryResult, topK int) []schema.QueryResult {
	type fused struct {
		result schema.QueryResult
		score  float64
		seen   int
	}
	byID := make(map[string]*fused)
	order := 0

	for _, list := range lists {
		for rank, result := range list {
			entry, ok := byID[result.ID]
			if !ok {
				entry = &fused{result: result, seen: order}
				order++
				byID[result.ID] = entry
			}
			entry.score += 1.0 / (float64(rank) + rrfK)
		}
	}
	if len(byID) == 0 {
		return nil
	}

	all := make([]*fused, 0, len(byID))
	for _, entry := range byID {
		all = append(all, entry)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].seen < all[j].seen
	})

	if topK <= 0 || topK > len(all) {
		topK = len(all)
	}
	out := make([]schema.QueryResult, 0, topK)
	for _, entry := range all[:topK] {
		result := entry.result
		result.Score = float32(entry.score)
		out = append(out, result)
	}
	return out
}
