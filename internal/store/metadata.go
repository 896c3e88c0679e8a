package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteMetadataStore implements MetadataStore over a single-row SQLite
// table. It uses the same WAL-mode connection discipline as the FTS5 BM25
// backend so the metadata file, the BM25 file, and the vector store file
// can all be opened concurrently by a CLI invocation and a background
// daemon without lock contention.
type SQLiteMetadataStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

// validateMetadataIntegrity checks a SQLite metadata file before opening it.
// Mirrors the corruption-detection pattern used for the FTS5 BM25 backend.
func validateMetadataIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewSQLiteMetadataStore opens (creating if needed) the IndexMetadata store
// at path. An empty path opens an in-memory store for testing.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateMetadataIntegrity(path); validErr != nil {
			slog.Warn("metadata_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("metadata store corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("metadata_store_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, index will rebuild"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Single-row table: the Indexer reads and rewrites this wholesale on
	-- every run. A second row would indicate a bug, not a second project;
	-- one metadata store is opened per index directory.
	CREATE TABLE IF NOT EXISTS index_metadata (
		id                 INTEGER PRIMARY KEY CHECK (id = 1),
		project_root       TEXT NOT NULL,
		project_id         TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		last_updated       INTEGER NOT NULL,
		file_count         INTEGER NOT NULL,
		chunk_count        INTEGER NOT NULL,
		config_hash        TEXT NOT NULL,
		embedding_model_id TEXT NOT NULL,
		embedding_dim      INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the saved IndexMetadata, or ErrMetadataNotFound if the
// index_metadata table is empty (first run, or after Clear).
func (s *SQLiteMetadataStore) Load(ctx context.Context) (*IndexMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT project_root, project_id, created_at, last_updated,
		       file_count, chunk_count, config_hash, embedding_model_id, embedding_dim
		FROM index_metadata WHERE id = 1
	`)

	var meta IndexMetadata
	var createdAt, lastUpdated int64
	err := row.Scan(&meta.ProjectRoot, &meta.ProjectID, &createdAt, &lastUpdated,
		&meta.FileCount, &meta.ChunkCount, &meta.ConfigHash, &meta.EmbeddingModelID, &meta.EmbeddingDim)
	if err == sql.ErrNoRows {
		return nil, ErrMetadataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index metadata: %w", err)
	}

	meta.CreatedAt = time.Unix(createdAt, 0).UTC()
	meta.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	return &meta, nil
}

// Save replaces the IndexMetadata row, CreatedAt included: every column is
// overwritten with the given values. A caller that keeps the original
// creation time passes back the CreatedAt it loaded.
func (s *SQLiteMetadataStore) Save(ctx context.Context, meta *IndexMetadata) error {
	if meta == nil {
		return fmt.Errorf("metadata must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_metadata
			(id, project_root, project_id, created_at, last_updated,
			 file_count, chunk_count, config_hash, embedding_model_id, embedding_dim)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_root = excluded.project_root,
			project_id = excluded.project_id,
			created_at = excluded.created_at,
			last_updated = excluded.last_updated,
			file_count = excluded.file_count,
			chunk_count = excluded.chunk_count,
			config_hash = excluded.config_hash,
			embedding_model_id = excluded.embedding_model_id,
			embedding_dim = excluded.embedding_dim
	`, meta.ProjectRoot, meta.ProjectID, meta.CreatedAt.Unix(), meta.LastUpdated.Unix(),
		meta.FileCount, meta.ChunkCount, meta.ConfigHash, meta.EmbeddingModelID, meta.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("failed to save index metadata: %w", err)
	}
	return nil
}

// Clear removes the IndexMetadata row ahead of a full rebuild.
func (s *SQLiteMetadataStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM index_metadata WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to clear index metadata: %w", err)
	}
	return nil
}

// Close closes the store. Forces a WAL checkpoint before closing.
func (s *SQLiteMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
