// Package autoindex implements the Auto-Index Service (C10): it combines
// project detection, storage resolution, configuration loading, and the
// Indexer into a single readiness check that every tool invocation awaits
// before touching the vector or lexical stores.
package autoindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nolood/coderag/internal/chunk"
	"github.com/nolood/coderag/internal/config"
	"github.com/nolood/coderag/internal/embed"
	"github.com/nolood/coderag/internal/index"
	"github.com/nolood/coderag/internal/lock"
	"github.com/nolood/coderag/internal/project"
	"github.com/nolood/coderag/internal/store"
	"github.com/nolood/coderag/internal/ui"
)

// Policy controls when DECIDE triggers INDEX, per spec.
type Policy string

const (
	// OnMissingOrStale indexes when the store is absent or the saved
	// config hash no longer matches the active configuration. This is
	// the default: it covers a first run and any config change, while
	// leaving mtime-based staleness to the Indexer's own incremental
	// reconciliation on the next explicit refresh.
	OnMissingOrStale Policy = "on_missing_or_stale"

	// OnMissing indexes only when the store does not exist yet. A
	// config change does not trigger a rebuild under this policy.
	OnMissing Policy = "on_missing"

	// Never never indexes. Queries against an absent store fail with
	// ErrStoreAbsent.
	Never Policy = "never"
)

// ErrStoreAbsent is returned by Ensure when Policy is Never and no store
// exists yet at the resolved StorageLocation.
var ErrStoreAbsent = errors.New("autoindex: no index exists and policy is \"never\"")

// Handle bundles the open stores and resolved identity a caller needs to
// search or report status after Ensure returns: C11's search tool and
// every CLI command that queries an index consume this instead of
// re-resolving storage and re-opening stores themselves.
type Handle struct {
	Location project.StorageLocation
	Project  *project.DetectedProject
	Config   *config.Config

	Metadata store.MetadataStore
	Vector   store.VectorStore
	BM25     store.BM25Index
	Embedder embed.Embedder
}

// Close releases every store and the embedder the Handle opened.
func (h *Handle) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.Vector != nil {
		record(h.Vector.Close())
	}
	if h.BM25 != nil {
		record(h.BM25.Close())
	}
	if h.Metadata != nil {
		record(h.Metadata.Close())
	}
	if h.Embedder != nil {
		record(h.Embedder.Close())
	}
	return firstErr
}

// Service runs the DETECT -> RESOLVE -> LOAD_CONFIG -> DECIDE -> [INDEX]
// -> READY state machine for a working directory, guaranteeing at most
// one concurrent indexing run per StorageLocation via an advisory file
// lock scoped to the resolved store directory.
type Service struct {
	Policy        Policy
	GlobalDataDir string
	Provider      embed.ProviderType
	Logger        *slog.Logger
}

// NewService constructs a Service. An empty Policy defaults to
// OnMissingOrStale; an empty GlobalDataDir disables global storage
// resolution fallback (project.ResolveStorage still requires one, so
// callers indexing projects without a local sidecar must supply it).
func NewService(policy Policy, globalDataDir string) *Service {
	if policy == "" {
		policy = OnMissingOrStale
	}
	return &Service{Policy: policy, GlobalDataDir: globalDataDir}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Ensure runs the state machine for cwd and returns a Handle with every
// store open and, if DECIDE yielded INDEX, a current index already built.
// The caller owns the returned Handle and must Close it.
func (s *Service) Ensure(ctx context.Context, cwd string) (*Handle, error) {
	log := s.logger()

	// DETECT
	detected, err := project.Detect(cwd)
	if err != nil {
		return nil, fmt.Errorf("autoindex: detect project root: %w", err)
	}

	// RESOLVE
	loc := project.ResolveStorage(detected, s.GlobalDataDir)
	dir := loc.Dir()

	// LOAD_CONFIG
	dataDirForConfig := ""
	if loc.Local != nil {
		dataDirForConfig = dir
	}
	cfg, err := config.Load(dataDirForConfig)
	if err != nil {
		return nil, fmt.Errorf("autoindex: load config: %w", err)
	}

	fl := lock.New(dir)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("autoindex: acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	// DECIDE, now that the lock is held: a waiter that just acquired it
	// re-checks metadata rather than trusting a decision made before it
	// blocked.
	decision, err := s.decide(dir, cfg)
	if err != nil {
		return nil, err
	}

	handle, err := s.openStores(ctx, dir, cfg)
	if err != nil {
		return nil, err
	}

	switch decision {
	case actionIndex:
		log.Info("autoindex_building", "root", detected.Root, "dir", dir, "policy", s.Policy)
		if _, err := s.runIndex(ctx, handle, detected, loc, cfg); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("autoindex: index run: %w", err)
		}
	case actionSkip:
		log.Debug("autoindex_skip", "root", detected.Root, "dir", dir, "config_hash", cfg.Hash())
	case actionFailAbsent:
		_ = handle.Close()
		return nil, ErrStoreAbsent
	}

	handle.Location = loc
	handle.Project = detected
	handle.Config = cfg
	return handle, nil
}

type action int

const (
	actionSkip action = iota
	actionIndex
	actionFailAbsent
)

// decide implements the policy table from spec.md 4.10. It inspects the
// saved IndexMetadata without opening the full store set, so DECIDE can
// run before the (possibly expensive) vector/BM25/embedder construction
// in openStores.
func (s *Service) decide(dir string, cfg *config.Config) (action, error) {
	meta, err := readMetadata(dir)
	absent := errors.Is(err, store.ErrMetadataNotFound)
	if err != nil && !absent {
		return actionSkip, fmt.Errorf("autoindex: read metadata: %w", err)
	}

	switch s.Policy {
	case Never:
		if absent {
			return actionFailAbsent, nil
		}
		return actionSkip, nil

	case OnMissing:
		if absent {
			return actionIndex, nil
		}
		return actionSkip, nil

	default: // OnMissingOrStale
		if absent {
			return actionIndex, nil
		}
		if meta.ConfigHash != cfg.Hash() {
			return actionIndex, nil
		}
		return actionSkip, nil
	}
}

// readMetadata opens the metadata store just long enough to read the
// current IndexMetadata row, independent of the embedder/vector/BM25
// stores DECIDE does not yet need.
func readMetadata(dir string) (*store.IndexMetadata, error) {
	metadataStore, err := store.NewSQLiteMetadataStore(metadataDBPath(dir))
	if err != nil {
		return nil, err
	}
	defer func() { _ = metadataStore.Close() }()
	return metadataStore.Load(context.Background())
}

func metadataDBPath(dir string) string {
	return filepath.Join(dir, "metadata.db")
}

func vectorDBPath(dir string) string {
	return filepath.Join(dir, "index.lance")
}

func bm25BasePath(dir string) string {
	return filepath.Join(dir, "bm25")
}

// openStores opens the metadata store, the (possibly empty) lexical
// index, a fresh embedder, and loads the vector store from disk if a
// prior run persisted one. HNSWStore holds everything in memory, so a
// fresh store is empty until Load succeeds against an existing file.
func (s *Service) openStores(ctx context.Context, dir string, cfg *config.Config) (*Handle, error) {
	metadataStore, err := store.NewSQLiteMetadataStore(metadataDBPath(dir))
	if err != nil {
		return nil, fmt.Errorf("autoindex: open metadata store: %w", err)
	}

	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath(dir), store.DefaultBM25Config(), string(store.BM25BackendSQLite))
	if err != nil {
		_ = metadataStore.Close()
		return nil, fmt.Errorf("autoindex: open bm25 index: %w", err)
	}

	provider := s.Provider
	if provider == "" && cfg.Embeddings.Provider != "" {
		provider = embed.ParseProvider(cfg.Embeddings.Provider)
	}
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		_ = bm25.Close()
		_ = metadataStore.Close()
		return nil, fmt.Errorf("autoindex: construct embedder: %w", err)
	}

	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		_ = embedder.Close()
		_ = bm25.Close()
		_ = metadataStore.Close()
		return nil, fmt.Errorf("autoindex: open vector store: %w", err)
	}
	if err := vector.Load(vectorDBPath(dir)); err != nil {
		slog.Debug("autoindex_vector_load_skipped", "path", vectorDBPath(dir), "error", err)
	}

	return &Handle{
		Metadata: metadataStore,
		BM25:     bm25,
		Vector:   vector,
		Embedder: embedder,
	}, nil
}

// runIndex builds or rebuilds the index against the stores already open
// on handle, then persists the vector store (the only one of the three
// that does not write through on every upsert).
func (s *Service) runIndex(ctx context.Context, handle *Handle, detected *project.DetectedProject, loc project.StorageLocation, cfg *config.Config) (*index.RunnerResult, error) {
	chunkOpts := chunk.Options{Strategy: chunk.Strategy(cfg.Indexer.ChunkerStrategy), ChunkSize: cfg.Indexer.ChunkSize}

	runner, err := index.NewRunner(index.RunnerDependencies{
		Renderer:     ui.NewLogRenderer(s.logger()),
		Metadata:     handle.Metadata,
		BM25:         handle.BM25,
		Vector:       handle.Vector,
		Embedder:     handle.Embedder,
		ChunkOptions: chunkOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("construct runner: %w", err)
	}
	defer func() { _ = runner.Close() }()

	projectID := loc.ID()

	result, err := runner.Run(ctx, index.RunnerConfig{
		RootDir:         detected.Root,
		ProjectRoot:     detected.Root,
		ProjectID:       projectID,
		IncludePatterns: extensionsToGlobs(cfg.Indexer.Extensions),
		ExcludePatterns: cfg.Indexer.IgnorePatterns,
		ConfigHash:      cfg.Hash(),
		BatchSize:       cfg.Embeddings.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	if err := handle.Vector.Save(vectorDBPath(loc.Dir())); err != nil {
		return nil, fmt.Errorf("persist vector store: %w", err)
	}
	if err := handle.BM25.Save(bm25BasePath(loc.Dir())); err != nil {
		return nil, fmt.Errorf("persist bm25 index: %w", err)
	}

	return result, nil
}

// extensionsToGlobs converts bare extensions (".go") into the glob
// patterns the Scanner's IncludePatterns expects ("*.go").
func extensionsToGlobs(extensions []string) []string {
	if len(extensions) == 0 {
		return nil
	}
	globs := make([]string, len(extensions))
	for i, ext := range extensions {
		globs[i] = "*" + ext
	}
	return globs
}
