// Package index implements the Indexer (C8): it reconciles the files a
// Scanner walks against what the vector store and lexical index already
// hold, chunking and embedding only what changed since the last run.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/nolood/coderag/internal/chunk"
	"github.com/nolood/coderag/internal/embed"
	"github.com/nolood/coderag/internal/scanner"
	"github.com/nolood/coderag/internal/store"
	"github.com/nolood/coderag/internal/ui"
)

// RunnerConfig configures a single indexing run.
type RunnerConfig struct {
	// RootDir is the project root directory to index.
	RootDir string

	// ProjectRoot and ProjectID identify the project in IndexMetadata, as
	// resolved by project.ResolveStorage. ProjectRoot is normally the
	// canonicalized RootDir.
	ProjectRoot string
	ProjectID   string

	// Force skips reconciliation and runs a full rebuild regardless of
	// whether IndexMetadata looks current.
	Force bool

	// IncludePatterns and ExcludePatterns are passed to the Scanner and,
	// if ConfigHash is empty, folded into a locally computed config hash.
	IncludePatterns []string
	ExcludePatterns []string

	// ConfigHash, when set, is used verbatim as the run's config
	// fingerprint instead of one derived from IncludePatterns/
	// ExcludePatterns/chunk options. Callers that already hold a
	// config.Config should pass cfg.Hash() here so the value compared
	// against IndexMetadata.ConfigHash is the same one the auto-index
	// service's staleness check computes.
	ConfigHash string

	// BatchSize is the number of chunk texts embedded per embedder call.
	// Defaults to embed.DefaultBatchSize.
	BatchSize int
}

// RunnerResult contains the outcome of an indexing operation.
type RunnerResult struct {
	Added       int // files newly indexed
	Removed     int // files deleted from the index
	Changed     int // files re-chunked and re-embedded
	Unchanged   int // files left untouched
	Chunks      int // total chunks upserted this run
	Duration    time.Duration
	Warnings    int // per-file failures, skipped
	FullRebuild bool
}

// RunnerDependencies contains the injected dependencies for Runner.
type RunnerDependencies struct {
	// Renderer for progress display (required).
	Renderer ui.Renderer

	// Metadata stores the IndexMetadata fingerprint (required).
	Metadata store.MetadataStore

	// BM25 is the lexical index, C7 (required).
	BM25 store.BM25Index

	// Vector is the vector store, C6 (required).
	Vector store.VectorStore

	// Embedder generates chunk and query vectors (required).
	Embedder embed.Embedder

	// Chunker splits file content into chunks, C4. Defaults to
	// chunk.New(ChunkOptions) if nil.
	Chunker *chunk.Chunker

	// ChunkOptions is folded into the config hash and, when Chunker is
	// nil, used to construct the default one. Defaults to
	// {Strategy: StrategyAST, ChunkSize: DefaultChunkTokens}.
	ChunkOptions chunk.Options
}

// Runner executes indexing runs with progress reporting. It accepts
// injected dependencies for testability and reuse between the CLI and the
// auto-index service.
type Runner struct {
	renderer  ui.Renderer
	metadata  store.MetadataStore
	bm25      store.BM25Index
	vector    store.VectorStore
	embedder  embed.Embedder
	chunker   *chunk.Chunker
	chunkOpts chunk.Options
}

// NewRunner creates a Runner with injected dependencies.
func NewRunner(deps RunnerDependencies) (*Runner, error) {
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Metadata == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if deps.BM25 == nil {
		return nil, fmt.Errorf("BM25 index is required")
	}
	if deps.Vector == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	chunkOpts := deps.ChunkOptions
	if chunkOpts == (chunk.Options{}) {
		chunkOpts = chunk.Options{Strategy: chunk.StrategyAST, ChunkSize: chunk.DefaultChunkTokens}
	}
	chunker := deps.Chunker
	if chunker == nil {
		chunker = chunk.New(chunkOpts)
	}

	return &Runner{
		renderer:  deps.Renderer,
		metadata:  deps.Metadata,
		bm25:      deps.BM25,
		vector:    deps.Vector,
		embedder:  deps.Embedder,
		chunker:   chunker,
		chunkOpts: chunkOpts,
	}, nil
}

// Close releases resources held by the Runner's chunker.
func (r *Runner) Close() error {
	r.chunker.Close()
	return nil
}

// fileTask is one file slated for (re)chunking: either newly added or
// changed since the last run.
type fileTask struct {
	info     *scanner.FileInfo
	isChange bool // true if this path already has rows in the store
}

// pendingFile holds the chunks produced for one successfully-chunked file,
// awaiting embedding before it can be upserted.
type pendingFile struct {
	path     string
	mtime    int64
	language string
	isChange bool
	chunks   []*chunk.Chunk
}

// Run executes the indexing pipeline: load-or-invalidate metadata, walk,
// partition, delete stale rows, chunk, embed, and upsert file-atomically.
func (r *Runner) Run(ctx context.Context, cfg RunnerConfig) (*RunnerResult, error) {
	start := time.Now()
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = embed.DefaultBatchSize
	}

	configHash := cfg.ConfigHash
	if configHash == "" {
		configHash = computeConfigHash(r.chunkOpts, cfg.IncludePatterns, cfg.ExcludePatterns, r.embedder.ModelID())
	}

	// Step 1: load metadata, decide full rebuild vs. reconciliation.
	meta, err := r.metadata.Load(ctx)
	fullRebuild := cfg.Force
	switch {
	case errors.Is(err, store.ErrMetadataNotFound):
		fullRebuild = true
	case err != nil:
		return nil, fmt.Errorf("failed to load index metadata: %w", err)
	case meta.ConfigHash != configHash:
		fullRebuild = true
	case meta.EmbeddingModelID != r.embedder.ModelID() || meta.EmbeddingDim != r.embedder.Dimensions():
		fullRebuild = true
	}

	if fullRebuild {
		if err := r.rebuildStoreContents(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear index for full rebuild: %w", err)
		}
		if err := r.metadata.Clear(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear index metadata: %w", err)
		}
	}

	// Step 2: walk for F_now, and load the indexed F_prev from the vector
	// store (the lexical index mirrors it exactly, by C6/C7's invariant).
	fNow, err := r.walk(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	fPrev, err := r.vector.FileMTimes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load indexed file mtimes: %w", err)
	}

	added, removed, changed, unchanged := partition(fNow, fPrev)
	result := &RunnerResult{
		Added: len(added), Removed: len(removed), Changed: len(changed),
		Unchanged: len(unchanged), FullRebuild: fullRebuild,
	}

	r.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageScanning, Current: len(fNow), Total: len(fNow)})

	// Step 4: delete rows for files no longer present at all.
	for _, path := range removed {
		if err := r.deletePath(ctx, path); err != nil {
			return nil, fmt.Errorf("failed to delete removed file %q: %w", path, err)
		}
	}

	// Steps 5-6: chunk every added/changed file; embedder failures abort
	// the whole run below, so nothing is deleted here yet for Changed
	// files whose chunking fails — their prior rows are left untouched.
	tasks := make([]fileTask, 0, len(added)+len(changed))
	for _, path := range added {
		tasks = append(tasks, fileTask{info: fNow[path], isChange: false})
	}
	for _, path := range changed {
		tasks = append(tasks, fileTask{info: fNow[path], isChange: true})
	}

	pending, warnings, err := r.chunkFiles(ctx, tasks)
	if err != nil {
		return nil, err
	}
	result.Warnings += warnings

	r.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageChunking, Current: len(pending), Total: len(tasks)})

	if len(pending) == 0 {
		result.Duration = time.Since(start)
		return r.finish(ctx, result, cfg, meta, fullRebuild, configHash, start)
	}

	// Step 6: embed every chunk across the pending files, in sub-batches.
	texts := make([]string, 0, result.Chunks)
	for _, pf := range pending {
		for _, c := range pf.chunks {
			texts = append(texts, c.Content)
		}
	}

	vectors, err := r.embedWithRetry(ctx, texts, batchSize)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	r.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageEmbedding, Current: len(vectors), Total: len(texts)})

	// Step 7: upsert per file, file-level atomic: delete the stale rows
	// (if any) and insert the new ones for each file in turn.
	offset := 0
	chunkCount := 0
	for _, pf := range pending {
		n := len(pf.chunks)
		fileVectors := vectors[offset : offset+n]
		offset += n

		if pf.isChange {
			if err := r.deletePath(ctx, pf.path); err != nil {
				return nil, fmt.Errorf("failed to replace %q: %w", pf.path, err)
			}
		}

		rows := make([]store.VectorRow, n)
		docs := make([]*store.Document, n)
		for i, c := range pf.chunks {
			rows[i] = store.VectorRow{
				ID: c.ID, Content: c.Content, Path: pf.path,
				StartLine: int32(c.StartLine), EndLine: int32(c.EndLine),
				Language: pf.language, MTime: pf.mtime, Vector: fileVectors[i],
			}
			docs[i] = &store.Document{ID: c.ID, Content: c.Content, Path: pf.path}
		}

		if err := r.vector.Upsert(ctx, rows); err != nil {
			return nil, fmt.Errorf("failed to upsert vectors for %q: %w", pf.path, err)
		}
		if err := r.bm25.Upsert(ctx, docs); err != nil {
			return nil, fmt.Errorf("failed to upsert lexical index for %q: %w", pf.path, err)
		}
		chunkCount += n
	}
	result.Chunks = chunkCount

	r.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageIndexing, Current: chunkCount, Total: chunkCount})

	result.Duration = time.Since(start)
	return r.finish(ctx, result, cfg, meta, fullRebuild, configHash, start)
}

// finish updates IndexMetadata with the post-run totals: refreshed
// last_updated, file_count, and chunk_count (step 8).
func (r *Runner) finish(ctx context.Context, result *RunnerResult, cfg RunnerConfig, prev *store.IndexMetadata, fullRebuild bool, configHash string, start time.Time) (*RunnerResult, error) {
	now := time.Now()
	created := now
	fileCount := result.Added - result.Removed
	if prev != nil && !fullRebuild {
		created = prev.CreatedAt
		fileCount += prev.FileCount
	}
	if fileCount < 0 {
		fileCount = 0
	}

	meta := &store.IndexMetadata{
		ProjectRoot:      cfg.ProjectRoot,
		ProjectID:        cfg.ProjectID,
		CreatedAt:        created,
		LastUpdated:      now,
		FileCount:        fileCount,
		ChunkCount:       r.vector.Count(),
		ConfigHash:       configHash,
		EmbeddingModelID: r.embedder.ModelID(),
		EmbeddingDim:     r.embedder.Dimensions(),
	}

	if err := r.metadata.Save(ctx, meta); err != nil {
		return nil, fmt.Errorf("failed to save index metadata: %w", err)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// rebuildStoreContents empties C6 and C7 ahead of a full rebuild, by
// deleting every path the vector store currently tracks (the lexical
// index mirrors the same path set by the C6/C7 invariant).
func (r *Runner) rebuildStoreContents(ctx context.Context) error {
	paths, err := r.vector.ListFiles(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list indexed files: %w", err)
	}
	for _, path := range paths {
		if err := r.deletePath(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// deletePath removes every row for path from both C6 and C7.
func (r *Runner) deletePath(ctx context.Context, path string) error {
	if err := r.vector.DeleteByPath(ctx, path); err != nil {
		return fmt.Errorf("vector delete_by_path(%q): %w", path, err)
	}
	if err := r.bm25.DeleteByPath(ctx, path); err != nil {
		return fmt.Errorf("bm25 delete_by_path(%q): %w", path, err)
	}
	return nil
}

// walk runs the Scanner over RootDir and returns the current file set,
// keyed by path relative to RootDir.
func (r *Runner) walk(ctx context.Context, cfg RunnerConfig) (map[string]*scanner.FileInfo, error) {
	s, err := scanner.New()
	if err != nil {
		return nil, err
	}

	results, err := s.Scan(ctx, &scanner.ScanOptions{
		RootDir:          cfg.RootDir,
		IncludePatterns:  cfg.IncludePatterns,
		ExcludePatterns:  cfg.ExcludePatterns,
		RespectGitignore: true,
	})
	if err != nil {
		return nil, err
	}

	files := make(map[string]*scanner.FileInfo)
	for res := range results {
		if res.Error != nil {
			slog.Warn("scan_error", slog.String("error", res.Error.Error()))
			continue
		}
		files[res.File.Path] = res.File
	}
	return files, nil
}

// partition splits F_now/F_prev into added, removed, changed, unchanged
// path sets per spec.md's reconciliation algorithm. Returned slices are
// sorted for deterministic processing order.
func partition(fNow map[string]*scanner.FileInfo, fPrev map[string]int64) (added, removed, changed, unchanged []string) {
	for path, info := range fNow {
		prevMTime, existed := fPrev[path]
		if !existed {
			added = append(added, path)
			continue
		}
		if info.ModTime.Unix() > prevMTime {
			changed = append(changed, path)
		} else {
			unchanged = append(unchanged, path)
		}
	}
	for path := range fPrev {
		if _, stillPresent := fNow[path]; !stillPresent {
			removed = append(removed, path)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	sort.Strings(unchanged)
	return added, removed, changed, unchanged
}

// chunkFiles reads and chunks every task's file. Reads and chunking run
// concurrently across files; a per-file failure (unreadable, non-UTF-8,
// oversize) is logged and that file is skipped entirely, leaving its
// prior rows (if any) untouched.
func (r *Runner) chunkFiles(ctx context.Context, tasks []fileTask) ([]*pendingFile, int, error) {
	type outcome struct {
		pf      *pendingFile
		skipped bool
	}
	outcomes := make([]outcome, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(numChunkWorkers())
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			content, err := os.ReadFile(task.info.AbsPath)
			if err != nil {
				slog.Warn("file_read_failed", slog.String("path", task.info.Path), slog.String("error", err.Error()))
				outcomes[i] = outcome{skipped: true}
				return nil
			}
			if len(content) > scanner.DefaultMaxFileSize {
				slog.Warn("file_oversize_skipped", slog.String("path", task.info.Path), slog.Int("bytes", len(content)))
				outcomes[i] = outcome{skipped: true}
				return nil
			}
			if !utf8.Valid(content) {
				slog.Warn("file_not_utf8_skipped", slog.String("path", task.info.Path))
				outcomes[i] = outcome{skipped: true}
				return nil
			}

			chunks, err := r.chunker.Chunk(gctx, &chunk.FileInput{
				Path: task.info.Path, Content: content, Language: task.info.Language,
			})
			if err != nil {
				slog.Warn("chunk_failed", slog.String("path", task.info.Path), slog.String("error", err.Error()))
				outcomes[i] = outcome{skipped: true}
				return nil
			}
			if len(chunks) == 0 {
				outcomes[i] = outcome{skipped: true}
				return nil
			}

			outcomes[i] = outcome{pf: &pendingFile{
				path: task.info.Path, mtime: task.info.ModTime.Unix(),
				language: task.info.Language, isChange: task.isChange, chunks: chunks,
			}}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	pending := make([]*pendingFile, 0, len(tasks))
	warnings := 0
	for _, o := range outcomes {
		if o.skipped {
			warnings++
			continue
		}
		if o.pf != nil {
			pending = append(pending, o.pf)
		}
	}
	// Deterministic processing order regardless of goroutine completion order.
	sort.Slice(pending, func(i, j int) bool { return pending[i].path < pending[j].path })
	return pending, warnings, nil
}

// embedWithRetry embeds texts in sub-batches of batchSize. A sub-batch
// that fails is retried once at half size (a one-text sub-batch is retried
// as is); if that also fails, the error is returned and the run aborts
// with nothing new upserted.
func (r *Runner) embedWithRetry(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vecs, err := r.embedBatchWithOneRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vecs...)
	}
	return vectors, nil
}

// embedBatchWithOneRetry embeds one sub-batch, retrying once with the
// sub-batch split into two halves if the first attempt fails. A one-text
// sub-batch cannot be split and is retried once unchanged.
func (r *Runner) embedBatchWithOneRetry(ctx context.Context, batch []string) ([][]float32, error) {
	vecs, err := r.embedder.EmbedBatch(ctx, batch)
	if err == nil {
		return vecs, nil
	}
	slog.Warn("embed_batch_failed_retrying", slog.Int("size", len(batch)), slog.String("error", err.Error()))

	if len(batch) <= 1 {
		vecs, err = r.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("retry failed: %w", err)
		}
		return vecs, nil
	}

	mid := len(batch) / 2
	first, err1 := r.embedder.EmbedBatch(ctx, batch[:mid])
	if err1 != nil {
		return nil, fmt.Errorf("retry with halved batch size failed: %w", err1)
	}
	second, err2 := r.embedder.EmbedBatch(ctx, batch[mid:])
	if err2 != nil {
		return nil, fmt.Errorf("retry with halved batch size failed: %w", err2)
	}
	return append(first, second...), nil
}

// numChunkWorkers bounds file-chunking concurrency to the available CPUs.
func numChunkWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// computeConfigHash fingerprints everything that invalidates existing
// chunks if changed: the chunker strategy and size, the scan patterns,
// and the embedding model identity.
func computeConfigHash(chunkOpts chunk.Options, include, exclude []string, modelID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "strategy=%s\nchunk_size=%d\n", chunkOpts.Strategy, chunkOpts.ChunkSize)
	includeSorted := append([]string(nil), include...)
	excludeSorted := append([]string(nil), exclude...)
	sort.Strings(includeSorted)
	sort.Strings(excludeSorted)
	fmt.Fprintf(h, "include=%v\nexclude=%v\nmodel=%s\n", includeSorted, excludeSorted, modelID)
	return hex.EncodeToString(h.Sum(nil))
}
