package candidates

import (
	"sort"

	"maestro/internal/store"
)

// PickBest selects the winning candidate: highest overall score, with the
// lowest variant index breaking ties so selection is deterministic across
// replays. A missing or unparseable score counts as zero.
func PickBest(candidates []*store.Candidate) *store.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	ranked := make([]*store.Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ranked[i].ScoreOverall(), ranked[j].ScoreOverall()
		if si != sj {
			return si > sj
		}
		return ranked[i].VariantIndex < ranked[j].VariantIndex
	})
	return ranked[0]
}
