package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteMetadataStore_Load_EmptyStoreReturnsNotFound(t *testing.T) {
	s, err := NewSQLiteMetadataStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Load(context.Background())
	assert.ErrorIs(t, err, ErrMetadataNotFound)
}

func TestSQLiteMetadataStore_SaveAndLoad_RoundTrip(t *testing.T) {
	s, err := NewSQLiteMetadataStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	now := time.Unix(1700000000, 0).UTC()
	meta := &IndexMetadata{
		ProjectRoot:      "/home/user/project",
		ProjectID:        "project-abc123",
		CreatedAt:        now,
		LastUpdated:      now,
		FileCount:        12,
		ChunkCount:       340,
		ConfigHash:       "deadbeef",
		EmbeddingModelID: "nomic-embed-text-v1.5",
		EmbeddingDim:     768,
	}
	require.NoError(t, s.Save(context.Background(), meta))

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, meta.ProjectRoot, loaded.ProjectRoot)
	assert.Equal(t, meta.ProjectID, loaded.ProjectID)
	assert.True(t, meta.CreatedAt.Equal(loaded.CreatedAt))
	assert.True(t, meta.LastUpdated.Equal(loaded.LastUpdated))
	assert.Equal(t, meta.FileCount, loaded.FileCount)
	assert.Equal(t, meta.ChunkCount, loaded.ChunkCount)
	assert.Equal(t, meta.ConfigHash, loaded.ConfigHash)
	assert.Equal(t, meta.EmbeddingModelID, loaded.EmbeddingModelID)
	assert.Equal(t, meta.EmbeddingDim, loaded.EmbeddingDim)
}

func TestSQLiteMetadataStore_Save_OverwritesPreviousRow(t *testing.T) {
	s, err := NewSQLiteMetadataStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	first := &IndexMetadata{
		ProjectRoot: "/project", ProjectID: "p1",
		CreatedAt: time.Unix(1000, 0), LastUpdated: time.Unix(1000, 0),
		FileCount: 1, ChunkCount: 10, ConfigHash: "h1",
		EmbeddingModelID: "model-a", EmbeddingDim: 384,
	}
	require.NoError(t, s.Save(context.Background(), first))

	second := &IndexMetadata{
		ProjectRoot: "/project", ProjectID: "p1",
		CreatedAt: time.Unix(1000, 0), LastUpdated: time.Unix(2000, 0),
		FileCount: 5, ChunkCount: 80, ConfigHash: "h2",
		EmbeddingModelID: "model-b", EmbeddingDim: 768,
	}
	require.NoError(t, s.Save(context.Background(), second))

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.FileCount)
	assert.Equal(t, 80, loaded.ChunkCount)
	assert.Equal(t, "h2", loaded.ConfigHash)
	assert.Equal(t, "model-b", loaded.EmbeddingModelID)
	assert.Equal(t, 768, loaded.EmbeddingDim)
}

func TestSQLiteMetadataStore_Clear_ForcesNotFoundOnNextLoad(t *testing.T) {
	s, err := NewSQLiteMetadataStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	meta := &IndexMetadata{
		ProjectRoot: "/project", ProjectID: "p1",
		CreatedAt: time.Now(), LastUpdated: time.Now(),
		FileCount: 3, ChunkCount: 30, ConfigHash: "h1",
		EmbeddingModelID: "model-a", EmbeddingDim: 384,
	}
	require.NoError(t, s.Save(context.Background(), meta))

	require.NoError(t, s.Clear(context.Background()))

	_, err = s.Load(context.Background())
	assert.ErrorIs(t, err, ErrMetadataNotFound)
}

func TestSQLiteMetadataStore_Save_NilMetadataReturnsError(t *testing.T) {
	s, err := NewSQLiteMetadataStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	err = s.Save(context.Background(), nil)
	assert.Error(t, err)
}

func TestSQLiteMetadataStore_Persistence_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "metadata.db")

	s1, err := NewSQLiteMetadataStore(path)
	require.NoError(t, err)

	meta := &IndexMetadata{
		ProjectRoot: "/project", ProjectID: "p1",
		CreatedAt: time.Unix(1700000000, 0).UTC(), LastUpdated: time.Unix(1700000100, 0).UTC(),
		FileCount: 7, ChunkCount: 120, ConfigHash: "h-persist",
		EmbeddingModelID: "model-a", EmbeddingDim: 384,
	}
	require.NoError(t, s1.Save(context.Background(), meta))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteMetadataStore(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	loaded, err := s2.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, meta.ProjectID, loaded.ProjectID)
	assert.Equal(t, meta.FileCount, loaded.FileCount)
	assert.Equal(t, meta.ConfigHash, loaded.ConfigHash)
}

func TestSQLiteMetadataStore_Close_IsIdempotent(t *testing.T) {
	s, err := NewSQLiteMetadataStore("")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestSQLiteMetadataStore_OperationsAfterClose_ReturnError(t *testing.T) {
	s, err := NewSQLiteMetadataStore("")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Load(context.Background())
	assert.Error(t, err)

	err = s.Save(context.Background(), &IndexMetadata{ProjectRoot: "/x", ProjectID: "x"})
	assert.Error(t, err)

	err = s.Clear(context.Background())
	assert.Error(t, err)
}

func TestSQLiteMetadataStore_EmptyFile_OpensCleanly(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "metadata.db")

	// Given: an empty file at the store path
	require.NoError(t, os.WriteFile(path, []byte{}, 0644))

	// When: opening the store
	s, err := NewSQLiteMetadataStore(path)

	// Then: SQLite treats the zero-length file as an empty database, the
	// integrity check passes, and the store opens with no metadata row
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Load(context.Background())
	assert.ErrorIs(t, err, ErrMetadataNotFound)
}
