package statesync

import (
	stderrors "errors"
	"sort"

	syncErrors "github.com/lucidjournal/statesync/errors"
)

// ErrNoCandidates is returned when Resolve is called with an empty candidate
// list. The reconciler never constructs an empty conflict set; hitting this
// indicates a caller bug.
var ErrNoCandidates = stderrors.New("conflict resolution requires at least one candidate")

// Resolve reduces divergent versions of one record to a single resolved copy.
//
// A lone candidate is returned unchanged. Otherwise the candidate with the
// most recent LastUpdatedAt supplies the primary fields (last-writer-wins),
// while insights are merged across all candidates: duplicates by ID keep the
// higher relevance score, the merged set is sorted by score descending and
// truncated to insightCap. Insights are additive evidence, so an
// older-but-valid write's insights survive the merge.
func Resolve(candidates []CoreRecord, insightCap int) (CoreRecord, error) {
	if len(candidates) == 0 {
		return CoreRecord{}, syncErrors.NewValidationError(syncErrors.OpResolve, ErrNoCandidates)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if insightCap <= 0 {
		insightCap = 5
	}

	winner := candidates[0]
	for _, c := range candidates[1:] {
		if c.LastUpdatedAt.After(winner.LastUpdatedAt) {
			winner = c
		}
	}

	resolved := CoreRecord{
		ID:            winner.ID,
		Value:         winner.Value,
		LastUpdatedAt: winner.LastUpdatedAt,
		Insights:      mergeInsights(candidates, insightCap),
	}
	return resolved, nil
}

// mergeInsights unions the insight lists of all candidates, deduplicated by
// ID keeping the higher score, sorted by relevance descending and capped.
func mergeInsights(candidates []CoreRecord, limit int) []Insight {
	byID := make(map[string]Insight)
	for _, c := range candidates {
		for _, in := range c.Insights {
			if cur, ok := byID[in.ID]; !ok || in.RelevanceScore > cur.RelevanceScore {
				byID[in.ID] = in
			}
		}
	}
	if len(byID) == 0 {
		return nil
	}

	merged := make([]Insight, 0, len(byID))
	for _, in := range byID {
		merged = append(merged, in)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].RelevanceScore != merged[j].RelevanceScore {
			return merged[i].RelevanceScore > merged[j].RelevanceScore
		}
		return merged[i].ID < merged[j].ID // stable order for equal scores
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
