// Package store provides vector storage (HNSW), BM25 index, and index metadata persistence (SQLite).
// This is the persistence layer for all indexed data.
package store

import (
	"context"
	"fmt"
	"time"
)

// ContentType represents the type of content in a chunk.
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// IndexMetadata is the single source of truth for index identity and
// invalidation. It is the one row the metadata store persists; C6/C7 hold
// everything else (rows, file mtimes, chunk ids), addressed per path via
// delete_by_path/upsert and reconciled through VectorStore.FileMTimes.
type IndexMetadata struct {
	ProjectRoot      string // absolute, canonicalized root path
	ProjectID        string // sanitized-dirname + hash, or configured local id
	CreatedAt        time.Time
	LastUpdated      time.Time
	FileCount        int
	ChunkCount       int
	ConfigHash       string // covers chunker strategy, chunk size, extensions, ignore patterns, model
	EmbeddingModelID string // opaque model+version identity from the embedder
	EmbeddingDim     int
}

// ErrMetadataNotFound indicates no IndexMetadata row has been saved yet
// (first run, or a store wiped by a full rebuild).
var ErrMetadataNotFound = fmt.Errorf("index metadata not found")

// MetadataStore persists IndexMetadata, the config/model fingerprint the
// Indexer checks on every run to decide between incremental reconciliation
// and a full rebuild. Per-chunk state (path, mtime, chunk ids) lives in C6/C7
// themselves, not here.
type MetadataStore interface {
	// Load returns the saved IndexMetadata, or ErrMetadataNotFound if none
	// has ever been saved.
	Load(ctx context.Context) (*IndexMetadata, error)

	// Save replaces the IndexMetadata row.
	Save(ctx context.Context, meta *IndexMetadata) error

	// Clear removes the IndexMetadata row, forcing the next Load to report
	// ErrMetadataNotFound. Used ahead of a full rebuild.
	Clear(ctx context.Context) error

	// Lifecycle
	Close() error
}

// IndexInfo contains comprehensive information about an index for the `coderag status` command.
type IndexInfo struct {
	// Location paths
	Location    string // Index data directory (e.g., ~/.coderag/project-hash/)
	ProjectRoot string // Project root directory

	// Embedding configuration stored in index
	IndexModel      string // Model name used to build index
	IndexBackend    string // Backend (mlx, ollama, static)
	IndexDimensions int    // Embedding dimensions

	// Statistics
	ChunkCount    int   // Number of chunks in index
	DocumentCount int   // Number of documents (files) indexed
	IndexSizeBytes int64 // Total index size (BM25 + vector)
	BM25SizeBytes  int64 // BM25 index file size
	VectorSizeBytes int64 // Vector store file size

	// Timestamps
	CreatedAt time.Time // When index was first created
	UpdatedAt time.Time // When index was last updated

	// Current embedder (for comparison)
	CurrentModel      string // Current embedder model
	CurrentBackend    string // Current embedder backend
	CurrentDimensions int    // Current embedder dimensions
	Compatible        bool   // Whether current embedder is compatible with index
}

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

// Document is a single row in the lexical index: a chunk's id, its text
// content, and the path it belongs to (for delete_by_path reconciliation).
type Document struct {
	ID      string // Chunk ID
	Content string // Text content
	Path    string // relative to project root
}

// BM25Result represents a single BM25 search result. Scores are
// non-negative and unbounded (raw BM25, not normalized) — fusion handles
// normalization across backends.
type BM25Result struct {
	DocID        string
	Path         string
	Score        float64
	MatchedTerms []string
}

// IndexStats provides statistics about the BM25 index.
type IndexStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// BM25Index is the C7 lexical index port. It mirrors the vector store
// port's upsert/delete_by_path contract: any chunk present in the vector
// store must be present here and vice versa, so the indexer can reconcile
// both with one partition of added/changed/removed files.
type BM25Index interface {
	// Upsert adds or replaces documents, keyed by ID.
	Upsert(ctx context.Context, docs []*Document) error

	// Search returns documents matching query, scored by BM25.
	Search(ctx context.Context, query string, limit int) ([]*BM25Result, error)

	// DeleteByPath removes every document belonging to path.
	DeleteByPath(ctx context.Context, path string) error

	// AllIDs returns all document IDs in the index (for consistency checks)
	AllIDs() ([]string, error)

	// Stats returns index statistics
	Stats() *IndexStats

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// BM25Config configures the BM25 index. Only StopWords is read by the
// backends: K1, B and MinTokenLength are carried but not applied, and
// TokenizeCode always drops tokens shorter than 2 characters.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2)
	K1 float64

	// B is the length normalization parameter (default: 0.75)
	B float64

	// StopWords is a list of words to filter out during tokenization
	StopWords []string

	// MinTokenLength is minimum token length to index (default: 2)
	MinTokenLength int
}

// DefaultBM25Config returns default BM25 configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultCodeStopWords,
		MinTokenLength: 2,
	}
}

// DefaultCodeStopWords contains programming keywords to filter out.
var DefaultCodeStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
}

// VectorRow is the fixed schema the vector store port persists per chunk:
// id, content, path, start_line, end_line, language, mtime, and the
// embedding vector itself.
type VectorRow struct {
	ID        string // chunk id
	Content   string
	Path      string // relative to project root
	StartLine int32
	EndLine   int32
	Language  string // empty if unknown
	MTime     int64  // unix seconds, of the owning file at index time
	Vector    []float32
}

// VectorSearchResult is a single vector_search hit: a row plus its
// similarity score (higher is more similar, range 0-1).
type VectorSearchResult struct {
	Row   VectorRow
	Score float32
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the fixed vector dimension D validated against every
	// row upserted into the store.
	Dimensions int

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean) (default: "cos")
	Metric string

	// M is HNSW max connections per layer (default: 16)
	M int

	// EfSearch is HNSW query-time search width (default: 20)
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   20,
	}
}

// VectorStore is the C6 vector store port: an embedded approximate-nearest-
// neighbor index used as a black box, addressed by chunk id and indexed by
// file path for reconciliation.
type VectorStore interface {
	// Upsert inserts or replaces rows by id. A batch is atomic: either every
	// row in it is applied or none are.
	Upsert(ctx context.Context, rows []VectorRow) error

	// DeleteByPath removes every row belonging to path.
	DeleteByPath(ctx context.Context, path string) error

	// FileMTimes returns the indexed mtime for every path currently present
	// in the store, for reconciliation against the live file set.
	FileMTimes(ctx context.Context) (map[string]int64, error)

	// VectorSearch returns the k nearest rows to query under the store's
	// metric, ranked descending by score.
	VectorSearch(ctx context.Context, query []float32, k int) ([]VectorSearchResult, error)

	// ListFiles returns every distinct path in the store. When glob is
	// non-empty, only paths matching it (filepath.Match semantics) are
	// returned.
	ListFiles(ctx context.Context, glob string) ([]string, error)

	// Get returns a single row by id, or ErrRowNotFound.
	Get(ctx context.Context, id string) (*VectorRow, error)

	// Dimensions returns D, the fixed vector width validated on upsert.
	Dimensions() int

	// Count returns the number of rows currently present.
	Count() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'coderag index --force')", e.Expected, e.Got)
}

// ErrRowNotFound indicates Get found no row for the given id.
type ErrRowNotFound struct {
	ID string
}

func (e ErrRowNotFound) Error() string {
	return fmt.Sprintf("no row for id %q", e.ID)
}
