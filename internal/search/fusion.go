package search

import (
	"sort"

	"github.com/nolood/coderag/internal/store"
)

// rrfConstant is the RRF smoothing parameter k, fixed at the industry
// standard value (Azure AI Search, OpenSearch) rather than exposed as a
// tunable: the Open Question in the original design notes resolves to
// "fixed at 60, not configurable."
const rrfConstant = 60

// fusedHit accumulates a chunk's RRF score plus enough of its original
// result rows to apply the tie-break and emit a final Result.
type fusedHit struct {
	id        string
	score     float64
	vecScore  float64
	vecRank   int // 1-indexed, 0 if absent from the vector list
	row       *store.VectorRow
	bm25      *store.BM25Result
}

// fuseRRF combines a vector_search ranking and a bm25_search ranking into
// one ranked list using Reciprocal Rank Fusion: score(d) = Σ 1/(k+rank_i)
// over every list d appears in. Ties break by vector score (descending,
// 0 for documents absent from the vector list) then by (path, start_line).
func fuseRRF(vec []store.VectorSearchResult, bm25 []*store.BM25Result) []*fusedHit {
	hits := make(map[string]*fusedHit, len(vec)+len(bm25))

	for rank, r := range vec {
		row := r.Row
		h := &fusedHit{id: row.ID, row: &row, vecScore: float64(r.Score), vecRank: rank + 1}
		hits[row.ID] = h
		h.score += 1.0 / float64(rrfConstant+rank+1)
	}
	for rank, r := range bm25 {
		h, ok := hits[r.DocID]
		if !ok {
			h = &fusedHit{id: r.DocID}
			hits[r.DocID] = h
		}
		h.bm25 = r
		h.score += 1.0 / float64(rrfConstant+rank+1)
	}

	out := make([]*fusedHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, h)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.vecScore != b.vecScore {
			return a.vecScore > b.vecScore
		}
		pa, la := hitLocation(a)
		pb, lb := hitLocation(b)
		if pa != pb {
			return pa < pb
		}
		return la < lb
	})

	return out
}

// hitLocation extracts the (path, start_line) tie-break key from whichever
// source row a hit carries; a hit always carries at least one.
func hitLocation(h *fusedHit) (string, int32) {
	if h.row != nil {
		return h.row.Path, h.row.StartLine
	}
	return h.bm25.Path, 0
}

// normalizeScores scales every score in results so the top entry reads
// 1.0, dividing all others by it. Results are assumed already sorted
// descending by score. A zero top score leaves all scores at 0.
func normalizeScores(results []Result) {
	if len(results) == 0 {
		return
	}
	top := results[0].Score
	if top == 0 {
		return
	}
	for i := range results {
		results[i].Score /= top
	}
}
