package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolood/coderag/internal/embed"
	"github.com/nolood/coderag/internal/search"
	"github.com/nolood/coderag/internal/store"
)

// Integration Tests - These exercise the vector store, BM25 index and
// Hybrid Searcher (C9) together, end to end, without a real embedding model.

// testEmbedder creates a static embedder for testing (fast, no model download)
func testEmbedder(t *testing.T) embed.Embedder {
	t.Helper()
	return embed.NewStaticEmbedder768()
}

// testVectorStore creates a vector store for testing
func testVectorStore(t *testing.T) store.VectorStore {
	t.Helper()
	cfg := store.DefaultVectorStoreConfig(768) // Match static embedder dimensions
	vs, err := store.NewHNSWStore(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = vs.Close() })
	return vs
}

// testBM25Index creates a BM25 index for testing
func testBM25Index(t *testing.T) store.BM25Index {
	t.Helper()
	tmpDir := t.TempDir()
	indexBasePath := filepath.Join(tmpDir, "test")

	idx, err := store.NewBM25IndexWithBackend(indexBasePath, store.DefaultBM25Config(), "")
	require.NoError(t, err)

	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

// indexFixture upserts the same rows into both the vector store and the
// BM25 index so a search against either (or both, fused) can find them.
func indexFixture(t *testing.T, vector store.VectorStore, bm25 store.BM25Index, embedder embed.Embedder, rows []store.VectorRow) {
	t.Helper()
	ctx := context.Background()

	contents := make([]string, len(rows))
	for i, r := range rows {
		contents[i] = r.Content
	}
	vecs, err := embedder.EmbedBatch(ctx, contents)
	require.NoError(t, err)

	docs := make([]*store.Document, len(rows))
	for i, r := range rows {
		rows[i].Vector = vecs[i]
		docs[i] = &store.Document{ID: r.ID, Content: r.Content, Path: r.Path}
	}

	require.NoError(t, vector.Upsert(ctx, rows))
	require.NoError(t, bm25.Upsert(ctx, docs))
}

// TestIntegration_IndexAndSearch_FindsResults tests the complete flow:
// upsert rows into both backends, then search finds the matching file.
func TestIntegration_IndexAndSearch_FindsResults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	embedder := testEmbedder(t)
	vector := testVectorStore(t)
	bm25 := testBM25Index(t)

	rows := []store.VectorRow{
		{
			ID:        "main.go#1",
			Path:      "main.go",
			StartLine: 1,
			EndLine:   8,
			Language:  "go",
			Content:   "// handleRequest is the main HTTP handler function\nfunc handleRequest(w http.ResponseWriter, r *http.Request) {\n    w.Write([]byte(\"Hello, World!\"))\n}",
		},
		{
			ID:        "util.go#1",
			Path:      "util.go",
			StartLine: 1,
			EndLine:   4,
			Language:  "go",
			Content:   "// formatMessage formats a message with a prefix\nfunc formatMessage(msg string) string {\n    return \"[APP] \" + msg\n}",
		},
	}
	indexFixture(t, vector, bm25, embedder, rows)

	s, err := search.NewSearcher(vector, bm25, embedder)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "HTTP handler function", 10, search.ModeHybrid)
	require.NoError(t, err)
	assert.NotEmpty(t, results, "Search should find results")

	foundHandler := false
	for _, r := range results {
		if r.Path == "main.go" {
			foundHandler = true
			break
		}
	}
	assert.True(t, foundHandler, "Should find main.go with handler function")
}

// TestIntegration_SearchAfterDelete_ExcludesDeleted tests that deleted
// content is no longer returned in search results.
func TestIntegration_SearchAfterDelete_ExcludesDeleted(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	embedder := testEmbedder(t)
	vector := testVectorStore(t)
	bm25 := testBM25Index(t)

	rows := []store.VectorRow{
		{ID: "main.go#1", Path: "main.go", StartLine: 1, EndLine: 8, Language: "go",
			Content: "func handleRequest(w http.ResponseWriter, r *http.Request) {}"},
	}
	indexFixture(t, vector, bm25, embedder, rows)

	ctx := context.Background()
	require.NoError(t, vector.DeleteByPath(ctx, "main.go"))
	require.NoError(t, bm25.DeleteByPath(ctx, "main.go"))

	s, err := search.NewSearcher(vector, bm25, embedder)
	require.NoError(t, err)

	results, err := s.Search(ctx, "handleRequest", 10, search.ModeHybrid)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "main.go", r.Path, "Deleted file should not appear in results")
	}
}

// TestIntegration_EmptyIndex_ReturnsNoResults tests that an empty index
// returns empty results without error.
func TestIntegration_EmptyIndex_ReturnsNoResults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	embedder := testEmbedder(t)
	vector := testVectorStore(t)
	bm25 := testBM25Index(t)

	s, err := search.NewSearcher(vector, bm25, embedder)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "any query", 10, search.ModeHybrid)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// TestIntegration_SearchWithMode_BypassesFusion tests that vector-only and
// bm25-only modes each answer from a single backend.
func TestIntegration_SearchWithMode_BypassesFusion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	embedder := testEmbedder(t)
	vector := testVectorStore(t)
	bm25 := testBM25Index(t)

	rows := []store.VectorRow{
		{ID: "go#1", Path: "main.go", StartLine: 1, EndLine: 3, Language: "go", Content: "func main() { println(\"Hello from Go\") }"},
		{ID: "js#1", Path: "index.js", StartLine: 1, EndLine: 3, Language: "javascript", Content: "function greet(name) { console.log(name) }"},
	}
	indexFixture(t, vector, bm25, embedder, rows)

	ctx := context.Background()
	s, err := search.NewSearcher(vector, bm25, embedder)
	require.NoError(t, err)

	vecResults, err := s.Search(ctx, "greet", 10, search.ModeVector)
	require.NoError(t, err)
	assert.NotEmpty(t, vecResults)

	bm25Results, err := s.Search(ctx, "greet", 10, search.ModeBM25)
	require.NoError(t, err)
	assert.NotEmpty(t, bm25Results)
}

// TestIntegration_ConcurrentSearches_NoRace tests that concurrent searches
// don't cause race conditions.
func TestIntegration_ConcurrentSearches_NoRace(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	embedder := testEmbedder(t)
	vector := testVectorStore(t)
	bm25 := testBM25Index(t)

	rows := []store.VectorRow{
		{ID: "main.go#1", Path: "main.go", StartLine: 1, EndLine: 8, Language: "go",
			Content: "func handleRequest(w http.ResponseWriter, r *http.Request) {}"},
	}
	indexFixture(t, vector, bm25, embedder, rows)

	s, err := search.NewSearcher(vector, bm25, embedder)
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(query string) {
			_, err := s.Search(ctx, query, 5, search.ModeHybrid)
			done <- err
		}("test query " + string(rune('a'+i%26)))
	}

	for i := 0; i < 20; i++ {
		assert.NoError(t, <-done)
	}
}
