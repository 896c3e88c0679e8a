package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWStore implements VectorStore using coder/hnsw, a pure Go HNSW
// implementation, with a path index layered on top so delete_by_path and
// file_mtimes can answer without a full graph scan.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	idMap   map[string]uint64 // chunk id -> internal key
	keyMap  map[uint64]string // internal key -> chunk id
	rows    map[string]rowMeta
	byPath  map[string]map[string]struct{} // path -> set of chunk ids
	nextKey uint64

	closed bool
}

// rowMeta is the non-vector portion of a VectorRow, stored alongside the
// graph so Get/ListFiles/FileMTimes never need to touch the HNSW index.
type rowMeta struct {
	Content   string
	Path      string
	StartLine int32
	EndLine   int32
	Language  string
	MTime     int64
	Vector    []float32 // the normalized vector also held in the graph, kept here for Get
}

// hnswMetadata stores everything needed to rebuild the store's bookkeeping
// on Load, independent of the graph's own binary format.
type hnswMetadata struct {
	IDMap   map[string]uint64
	Rows    map[string]rowMeta
	NextKey uint64
	Config  VectorStoreConfig
}

var _ VectorStore = (*HNSWStore)(nil)

// NewHNSWStore creates a new HNSW-based vector store.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16 // coder/hnsw default recommendation
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20 // coder/hnsw default
	}

	graph := hnsw.NewGraph[uint64]()

	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}

	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25 // coder/hnsw default level-generation factor (fixed, not derived from M)

	return &HNSWStore{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		rows:   make(map[string]rowMeta),
		byPath: make(map[string]map[string]struct{}),
	}, nil
}

func (s *HNSWStore) Dimensions() int { return s.config.Dimensions }

// Upsert inserts or replaces rows by id. A row that already exists is
// lazily deleted (orphaned in the graph, unmapped from the id index) before
// its replacement is added, so an id never resolves to two live vectors.
func (s *HNSWStore) Upsert(ctx context.Context, rows []VectorRow) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, r := range rows {
		if len(r.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(r.Vector)}
		}
	}

	for _, r := range rows {
		s.removeLocked(r.ID)

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[r.ID] = key
		s.keyMap[key] = r.ID
		s.rows[r.ID] = rowMeta{
			Content:   r.Content,
			Path:      r.Path,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Language:  r.Language,
			MTime:     r.MTime,
			Vector:    vec,
		}
		s.indexPathLocked(r.Path, r.ID)
	}

	return nil
}

// removeLocked unmaps id from every index without touching the graph
// itself — the node remains in place, lazily deleted, to avoid coder/hnsw's
// instability when the last remaining node is removed.
func (s *HNSWStore) removeLocked(id string) {
	key, exists := s.idMap[id]
	if !exists {
		return
	}
	if meta, ok := s.rows[id]; ok {
		if set := s.byPath[meta.Path]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(s.byPath, meta.Path)
			}
		}
	}
	delete(s.keyMap, key)
	delete(s.idMap, id)
	delete(s.rows, id)
}

func (s *HNSWStore) indexPathLocked(path, id string) {
	set, ok := s.byPath[path]
	if !ok {
		set = make(map[string]struct{})
		s.byPath[path] = set
	}
	set[id] = struct{}{}
}

// DeleteByPath removes every row belonging to path.
func (s *HNSWStore) DeleteByPath(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	ids := make([]string, 0, len(s.byPath[path]))
	for id := range s.byPath[path] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.removeLocked(id)
	}
	return nil
}

// FileMTimes returns the indexed mtime for every path currently present.
func (s *HNSWStore) FileMTimes(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	result := make(map[string]int64, len(s.byPath))
	for path, ids := range s.byPath {
		var mtime int64
		for id := range ids {
			if m := s.rows[id].MTime; m > mtime {
				mtime = m
			}
		}
		result[path] = mtime
	}
	return result, nil
}

// VectorSearch finds the k nearest rows to query under the configured
// metric (cosine by default, or l2).
func (s *HNSWStore) VectorSearch(ctx context.Context, query []float32, k int) ([]VectorSearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}

	if s.graph.Len() == 0 {
		return []VectorSearchResult{}, nil
	}

	normalizedQuery := make([]float32, len(query))
	copy(normalizedQuery, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(normalizedQuery)
	}

	nodes := s.graph.Search(normalizedQuery, k)

	results := make([]VectorSearchResult, 0, len(nodes))
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			// Lazily-deleted node: still in the graph, no longer mapped.
			continue
		}

		meta := s.rows[id]
		distance := s.graph.Distance(normalizedQuery, node.Value)
		results = append(results, VectorSearchResult{
			Row: VectorRow{
				ID:        id,
				Content:   meta.Content,
				Path:      meta.Path,
				StartLine: meta.StartLine,
				EndLine:   meta.EndLine,
				Language:  meta.Language,
				MTime:     meta.MTime,
			},
			Score: distanceToScore(distance, s.config.Metric),
		})
	}

	return results, nil
}

// ListFiles returns every distinct path in the store, optionally filtered
// by a filepath.Match glob.
func (s *HNSWStore) ListFiles(ctx context.Context, glob string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	paths := make([]string, 0, len(s.byPath))
	for path := range s.byPath {
		if glob != "" {
			matched, err := filepath.Match(glob, path)
			if err != nil {
				return nil, fmt.Errorf("invalid glob %q: %w", glob, err)
			}
			if !matched {
				continue
			}
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Get returns a single row by id.
func (s *HNSWStore) Get(ctx context.Context, id string) (*VectorRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	if _, exists := s.idMap[id]; !exists {
		return nil, ErrRowNotFound{ID: id}
	}
	meta := s.rows[id]

	return &VectorRow{
		ID:        id,
		Content:   meta.Content,
		Path:      meta.Path,
		StartLine: meta.StartLine,
		EndLine:   meta.EndLine,
		Language:  meta.Language,
		MTime:     meta.MTime,
		Vector:    meta.Vector,
	}, nil
}

// Count returns the number of live rows.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// AllIDs returns every live chunk id, in no particular order. Not part of
// the VectorStore port; used by the index consistency check, pkg/indexer and
// debug tooling that need to enumerate rows without a path or a query vector.
func (s *HNSWStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}
	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether id currently resolves to a live row.
func (s *HNSWStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, exists := s.idMap[id]
	return exists
}

// HNSWStats reports graph health: how many graph nodes are orphans left
// behind by lazy deletion. Nothing in the store rebuilds the graph to shed them.
type HNSWStats struct {
	ValidIDs   int // Active rows
	GraphNodes int // Total nodes in the graph, including orphans
	Orphans    int // GraphNodes - ValidIDs
}

func (s *HNSWStore) Stats() HNSWStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return HNSWStats{}
	}

	validIDs := len(s.idMap)
	graphNodes := s.graph.Len()

	return HNSWStats{
		ValidIDs:   validIDs,
		GraphNodes: graphNodes,
		Orphans:    graphNodes - validIDs,
	}
}

// Save persists the index to disk via atomic save (temp file + rename).
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpIndexPath := path + ".tmp"
	file, err := os.Create(tmpIndexPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	metaPath := path + ".meta"
	if err := s.saveMetadata(metaPath); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}

	return nil
}

func (s *HNSWStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := hnswMetadata{
		IDMap:   s.idMap,
		Rows:    s.rows,
		NextKey: s.nextKey,
		Config:  s.config,
	}

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Load loads the index from disk, rebuilding the path index from the
// restored rows.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	metaPath := path + ".meta"
	if err := s.loadMetadata(metaPath); err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw's Import requires an io.ByteReader.
	reader := bufio.NewReader(file)
	if err := s.graph.Import(reader); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	return nil
}

func (s *HNSWStore) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata

	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&meta); err != nil {
		return fmt.Errorf("decode hnsw metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.rows = meta.Rows
	s.keyMap = make(map[uint64]string, len(s.idMap))
	s.byPath = make(map[string]map[string]struct{})
	s.nextKey = meta.NextKey
	s.config = meta.Config

	for id, key := range s.idMap {
		s.keyMap[key] = id
		if meta, ok := s.rows[id]; ok {
			s.indexPathLocked(meta.Path, id)
		}
	}

	return nil
}

// Close releases resources.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.graph = nil

	return nil
}

// ReadHNSWStoreDimensions reads the dimensions from an existing HNSW
// store's metadata without loading the whole graph. Returns 0 if the
// metadata file doesn't exist (fresh start).
func ReadHNSWStoreDimensions(vectorPath string) (int, error) {
	metaPath := vectorPath + ".meta"

	file, err := os.Open(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open hnsw metadata: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close hnsw metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata
	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&meta); err != nil {
		return 0, fmt.Errorf("failed to decode hnsw metadata: %w", err)
	}

	return meta.Config.Dimensions, nil
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a distance value to a 0-1 similarity score.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		// Cosine distance ranges 0 (identical) to 2 (opposite).
		return 1.0 - distance/2.0
	}
}
