// Package search implements the Hybrid Searcher (C9). It fans a query out
// to the vector store and the lexical index in parallel and fuses the two
// rankings with Reciprocal Rank Fusion, unless Mode bypasses fusion
// entirely in favor of a single backend.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nolood/coderag/internal/embed"
	"github.com/nolood/coderag/internal/store"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// ErrEmptyQuery is returned for a blank or whitespace-only query.
var ErrEmptyQuery = errors.New("query must not be empty")

// minCandidates is the floor on how many candidates each sub-search
// fetches before fusion and truncation to limit, per spec: k = max(limit*3, 30).
const minCandidates = 30

// candidateMultiplier widens the per-branch candidate pool beyond limit so
// fusion has enough of the tail of each ranking to find genuine overlaps.
const candidateMultiplier = 3

// Searcher is the Hybrid Searcher (C9): a narrow port over the vector
// store (C6), lexical index (C7), and embedder (C5) that answers a query
// with a single ranked, score-normalized result list.
type Searcher struct {
	vector   store.VectorStore
	bm25     store.BM25Index
	embedder embed.Embedder
}

// NewSearcher constructs a Searcher. All three dependencies are required.
func NewSearcher(vector store.VectorStore, bm25 store.BM25Index, embedder embed.Embedder) (*Searcher, error) {
	if vector == nil {
		return nil, fmt.Errorf("%w: vector store is required", ErrNilDependency)
	}
	if bm25 == nil {
		return nil, fmt.Errorf("%w: bm25 index is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	return &Searcher{vector: vector, bm25: bm25, embedder: embedder}, nil
}

// Search answers a query under the given mode, returning at most limit
// results sorted by descending score with the top score normalized to 1.0.
func (s *Searcher) Search(ctx context.Context, query string, limit int, mode Mode) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = 10
	}

	k := limit * candidateMultiplier
	if k < minCandidates {
		k = minCandidates
	}

	switch mode {
	case ModeVector:
		return s.vectorOnly(ctx, query, limit, k)
	case ModeBM25:
		return s.bm25Only(ctx, query, limit, k)
	default:
		return s.hybrid(ctx, query, limit, k)
	}
}

func (s *Searcher) vectorOnly(ctx context.Context, query string, limit, k int) ([]Result, error) {
	qVec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	hits, err := s.vector.VectorSearch(ctx, qVec, k)
	if err != nil {
		return nil, fmt.Errorf("search: vector_search: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, rowToResult(h.Row, float64(h.Score)))
	}
	return truncateAndNormalize(results, limit), nil
}

func (s *Searcher) bm25Only(ctx context.Context, query string, limit, k int) ([]Result, error) {
	hits, err := s.bm25.Search(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("search: bm25_search: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		row, err := s.vector.Get(ctx, h.DocID)
		if err != nil {
			continue
		}
		results = append(results, rowToResult(*row, h.Score))
	}
	return truncateAndNormalize(results, limit), nil
}

// hybrid runs vector_search and bm25_search concurrently, then fuses with
// RRF. A failure in either branch is fatal: the caller asked for hybrid
// search, not a silent degrade to whichever backend happened to answer.
func (s *Searcher) hybrid(ctx context.Context, query string, limit, k int) ([]Result, error) {
	var vecHits []store.VectorSearchResult
	var bm25Hits []*store.BM25Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		qVec, err := s.embedder.EmbedQuery(gctx, query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		hits, err := s.vector.VectorSearch(gctx, qVec, k)
		if err != nil {
			return fmt.Errorf("vector_search: %w", err)
		}
		vecHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := s.bm25.Search(gctx, query, k)
		if err != nil {
			return fmt.Errorf("bm25_search: %w", err)
		}
		bm25Hits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	fused := fuseRRF(vecHits, bm25Hits)

	results := make([]Result, 0, len(fused))
	for _, h := range fused {
		row := h.row
		if row == nil {
			fetched, err := s.vector.Get(ctx, h.id)
			if err != nil {
				continue
			}
			row = fetched
		}
		results = append(results, rowToResult(*row, h.score))
	}

	return truncateAndNormalize(results, limit), nil
}

func rowToResult(row store.VectorRow, score float64) Result {
	return Result{
		Path:      row.Path,
		StartLine: int(row.StartLine),
		EndLine:   int(row.EndLine),
		Content:   row.Content,
		Score:     score,
	}
}

func truncateAndNormalize(results []Result, limit int) []Result {
	if len(results) > limit {
		results = results[:limit]
	}
	normalizeScores(results)
	return results
}
