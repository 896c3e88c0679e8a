// Package embed generates vector embeddings for code chunks and search
// queries. Providers are pluggable behind the Embedder interface; callers
// select one through NewEmbedder and never need to know which backend
// answered.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants.
const (
	// MinBatchSize is the minimum allowed batch size.
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size (prevents memory exhaustion).
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests.
	DefaultBatchSize = 32

	// DefaultWarmTimeout is used for requests once a provider's model is
	// already loaded.
	DefaultWarmTimeout = 30 * time.Second

	// DefaultColdTimeout is used for the first request against a provider,
	// which may need to load a model before it can answer.
	DefaultColdTimeout = 90 * time.Second

	// ModelUnloadThreshold is the idle duration after which a provider is
	// treated as cold again (Ollama unloads models after ~5 minutes of
	// inactivity).
	ModelUnloadThreshold = 5 * time.Minute

	// DefaultMaxRetries is the default number of retry attempts for a
	// transient provider failure.
	DefaultMaxRetries = 3
)

// DefaultDimensions is used when a provider cannot report its own
// dimensionality ahead of a first call.
const DefaultDimensions = 768

// StaticDimensions is the fixed output size of the hash-based fallback
// embedder.
const StaticDimensions = 256

// Embedder generates vector embeddings for text. Implementations must be
// safe for concurrent use and must report a constant Dimensions() for
// their lifetime.
type Embedder interface {
	// EmbedQuery embeds a single piece of text, typically a search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds multiple texts, typically chunk contents being
	// indexed. Implementations batch internally where the provider
	// supports it.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this embedder
	// produces.
	Dimensions() int

	// ModelID returns an opaque, stable identifier for the active model.
	// It is folded into the index's configuration hash so switching
	// models is detected as a change requiring a rebuild.
	ModelID() string

	// Available reports whether the provider can currently serve requests.
	Available(ctx context.Context) bool

	// Close releases any resources (HTTP connections, caches) held by
	// the embedder.
	Close() error
}

// normalizeVector returns a unit-length copy of v, leaving v itself
// unchanged. A zero vector has no direction to scale and is returned as is.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
