// Package index provides indexing operations including consistency checking.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nolood/coderag/internal/store"
)

// InconsistencyType categorizes detected issues.
type InconsistencyType int

const (
	// InconsistencyOrphanBM25 indicates a lexical index entry with no
	// matching vector store row.
	InconsistencyOrphanBM25 InconsistencyType = iota
	// InconsistencyOrphanVector indicates a vector store row with no
	// matching lexical index entry.
	InconsistencyOrphanVector
)

// String returns a human-readable description of the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanBM25:
		return "orphan_bm25"
	case InconsistencyOrphanVector:
		return "orphan_vector"
	default:
		return "unknown"
	}
}

// Inconsistency represents a detected cross-store divergence.
type Inconsistency struct {
	Type    InconsistencyType
	ChunkID string
	Details string
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	// Checked is the number of distinct chunk ids seen across both stores.
	Checked int
	// Inconsistencies contains all detected issues.
	Inconsistencies []Inconsistency
	// Duration is how long the check took.
	Duration time.Duration
}

// idLister is implemented by vector store backends that can enumerate
// every row id cheaply (HNSWStore does). Check returns an error for a
// backend without it; QuickCheck compares counts and needs no ids.
type idLister interface {
	AllIDs() []string
}

// ConsistencyChecker validates that C6 and C7 hold the same chunk ids, per
// the invariant the Indexer relies on to reconcile both stores from a
// single partition of added/changed/removed paths. It is read-only: the
// only correct repair for a divergence is DeleteByPath followed by a
// re-upsert, which only the Indexer has the file content to do, so this
// package reports problems rather than attempting to fix them.
type ConsistencyChecker struct {
	bm25   store.BM25Index
	vector store.VectorStore
}

// NewConsistencyChecker creates a new checker over the lexical and vector
// stores.
func NewConsistencyChecker(bm25 store.BM25Index, vector store.VectorStore) *ConsistencyChecker {
	return &ConsistencyChecker{bm25: bm25, vector: vector}
}

// Check compares the full id sets of both stores. Requires the vector
// store to implement idLister; returns an error otherwise since this
// check cannot be approximated by counts alone.
func (c *ConsistencyChecker) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()

	lister, ok := c.vector.(idLister)
	if !ok {
		return nil, fmt.Errorf("vector store does not support full id enumeration; use QuickCheck instead")
	}

	bm25IDs, err := c.bm25.AllIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to list BM25 ids: %w", err)
	}
	vectorIDs := lister.AllIDs()

	bm25Set := make(map[string]bool, len(bm25IDs))
	for _, id := range bm25IDs {
		bm25Set[id] = true
	}
	vectorSet := make(map[string]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		vectorSet[id] = true
	}

	var issues []Inconsistency
	for _, id := range bm25IDs {
		if !vectorSet[id] {
			issues = append(issues, Inconsistency{
				Type: InconsistencyOrphanBM25, ChunkID: id,
				Details: "present in lexical index, missing from vector store",
			})
		}
	}
	for _, id := range vectorIDs {
		if !bm25Set[id] {
			issues = append(issues, Inconsistency{
				Type: InconsistencyOrphanVector, ChunkID: id,
				Details: "present in vector store, missing from lexical index",
			})
		}
	}

	if len(issues) > 0 {
		slog.Warn("index_inconsistency_detected",
			slog.Int("bm25_count", len(bm25IDs)),
			slog.Int("vector_count", len(vectorIDs)),
			slog.Int("issues", len(issues)))
	}

	checked := len(bm25Set)
	for id := range vectorSet {
		if !bm25Set[id] {
			checked++
		}
	}

	return &CheckResult{
		Checked:         checked,
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}, nil
}

// QuickCheck compares only document counts across stores, not individual
// ids. Cheap enough to run on every `coderag status` invocation.
func (c *ConsistencyChecker) QuickCheck(ctx context.Context) (bool, error) {
	bm25Count := 0
	if stats := c.bm25.Stats(); stats != nil {
		bm25Count = stats.DocumentCount
	}
	vectorCount := c.vector.Count()

	consistent := bm25Count == vectorCount
	if !consistent {
		slog.Debug("index_count_mismatch",
			slog.Int("bm25", bm25Count),
			slog.Int("vector", vectorCount))
	}
	return consistent, nil
}
