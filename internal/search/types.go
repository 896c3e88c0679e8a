// Package search implements the Hybrid Searcher (C9): fusing vector and
// lexical search results with Reciprocal Rank Fusion.
package search

// Mode selects which sub-search(es) a query runs against. It is a closed
// enumeration: hybrid runs both and fuses, vector/bm25 bypass fusion
// entirely and query a single backend directly.
type Mode string

const (
	ModeHybrid Mode = "hybrid"
	ModeVector Mode = "vector"
	ModeBM25   Mode = "bm25"
)

// Result is a single ranked hit returned to a caller (the CLI's `search`
// command, or C11's `search` tool), already truncated to the requested
// limit with Score normalized into [0, 1].
type Result struct {
	Path      string
	StartLine int
	EndLine   int
	Content   string
	Score     float64
}
