// Package config loads and validates CodeRAG's configuration: hardcoded
// defaults, a project sidecar file, and environment variable overrides,
// in that order of increasing precedence.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ProjectType represents the type of project detected.
type ProjectType string

const (
	ProjectTypeGo      ProjectType = "go"
	ProjectTypeNode    ProjectType = "node"
	ProjectTypePython  ProjectType = "python"
	ProjectTypeUnknown ProjectType = "unknown"
)

// Config is the complete CodeRAG configuration.
type Config struct {
	Indexer    IndexerConfig    `toml:"indexer"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`
	Search     SearchConfig     `toml:"search"`
}

// IndexerConfig configures what gets indexed and how it is chunked.
type IndexerConfig struct {
	Extensions      []string `toml:"extensions"`
	IgnorePatterns  []string `toml:"ignore_patterns"`
	ChunkerStrategy string   `toml:"chunker_strategy"`
	ChunkSize       int      `toml:"chunk_size"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	BatchSize int    `toml:"batch_size"`
}

// SearchConfig configures the Hybrid Searcher's defaults.
type SearchConfig struct {
	Mode         string `toml:"mode"`
	DefaultLimit int    `toml:"default_limit"`
}

// defaultExtensions covers the common source languages the chunker knows
// how to split with tree-sitter, plus markdown/text for docs.
var defaultExtensions = []string{
	".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".java", ".rb", ".rs",
	".c", ".h", ".cpp", ".hpp", ".cs", ".md", ".mdx", ".txt",
}

// defaultIgnorePatterns are always excluded: build artifacts, VCS
// metadata, dependency directories, and sensitive files that must never
// be embedded or indexed regardless of project configuration.
var defaultIgnorePatterns = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/*.min.js",
	"**/*.min.css",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/go.sum",
	"**/.env*",
	"**/*.pem",
	"**/*.key",
	"**/*credentials*",
	"**/*secrets*",
	"**/id_rsa*",
	"**/id_ed25519*",
}

// NewConfig returns a Config populated with hardcoded defaults.
func NewConfig() *Config {
	return &Config{
		Indexer: IndexerConfig{
			Extensions:      append([]string(nil), defaultExtensions...),
			IgnorePatterns:  append([]string(nil), defaultIgnorePatterns...),
			ChunkerStrategy: "line",
			ChunkSize:       1500,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "",
			Model:     "",
			BatchSize: 32,
		},
		Search: SearchConfig{
			Mode:         "hybrid",
			DefaultLimit: 10,
		},
	}
}

// sidecarName is the project config file CodeRAG reads under Local
// storage. It lives inside the data directory, not the project root.
const sidecarName = "config.toml"

// Load builds the effective configuration for a project rooted at dir,
// applying defaults, then the project sidecar file at
// {dataDir}/config.toml if present, then CODERAG_* environment
// overrides. dataDir is the resolved StorageLocation's directory; pass
// "" to skip the sidecar step entirely (Global storage carries none).
func Load(dataDir string) (*Config, error) {
	cfg := NewConfig()

	if dataDir != "" {
		if err := cfg.loadSidecar(filepath.Join(dataDir, sidecarName)); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadSidecar merges a project's config.toml into cfg if the file
// exists. A missing file is not an error; defaults stand.
func (c *Config) loadSidecar(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	strict := toml.NewDecoder(strings.NewReader(string(data)))
	strict.DisallowUnknownFields()

	var parsed Config
	if err := strict.Decode(&parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero fields from other onto c.
func (c *Config) mergeWith(other *Config) {
	if len(other.Indexer.Extensions) > 0 {
		c.Indexer.Extensions = other.Indexer.Extensions
	}
	if len(other.Indexer.IgnorePatterns) > 0 {
		c.Indexer.IgnorePatterns = append(c.Indexer.IgnorePatterns, other.Indexer.IgnorePatterns...)
	}
	if other.Indexer.ChunkerStrategy != "" {
		c.Indexer.ChunkerStrategy = other.Indexer.ChunkerStrategy
	}
	if other.Indexer.ChunkSize != 0 {
		c.Indexer.ChunkSize = other.Indexer.ChunkSize
	}

	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}

	if other.Search.Mode != "" {
		c.Search.Mode = other.Search.Mode
	}
	if other.Search.DefaultLimit != 0 {
		c.Search.DefaultLimit = other.Search.DefaultLimit
	}
}

// applyEnvOverrides applies CODERAG_* environment variable overrides,
// the highest-precedence layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODERAG_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("CODERAG_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("CODERAG_EMBEDDINGS_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embeddings.BatchSize = n
		}
	}
	if v := os.Getenv("CODERAG_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Indexer.ChunkSize = n
		}
	}
	if v := os.Getenv("CODERAG_CHUNKER_STRATEGY"); v != "" {
		c.Indexer.ChunkerStrategy = v
	}
	if v := os.Getenv("CODERAG_SEARCH_MODE"); v != "" {
		c.Search.Mode = v
	}
	if v := os.Getenv("CODERAG_SEARCH_DEFAULT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.DefaultLimit = n
		}
	}
}

// Validate rejects out-of-range or unrecognized values. Unknown TOML
// keys are rejected earlier, at decode time in loadSidecar.
func (c *Config) Validate() error {
	validStrategies := map[string]bool{"line": true, "ast": true}
	if !validStrategies[c.Indexer.ChunkerStrategy] {
		return fmt.Errorf("indexer.chunker_strategy must be 'line' or 'ast', got %q", c.Indexer.ChunkerStrategy)
	}
	if c.Indexer.ChunkSize <= 0 {
		return fmt.Errorf("indexer.chunk_size must be positive, got %d", c.Indexer.ChunkSize)
	}

	if c.Embeddings.Provider != "" {
		validProviders := map[string]bool{"static": true, "ollama": true, "mlx": true}
		if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
			return fmt.Errorf("embeddings.provider must be 'static', 'ollama', 'mlx', or empty (auto-detect), got %q", c.Embeddings.Provider)
		}
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}

	validModes := map[string]bool{"hybrid": true, "vector": true, "bm25": true}
	if !validModes[c.Search.Mode] {
		return fmt.Errorf("search.mode must be 'hybrid', 'vector', or 'bm25', got %q", c.Search.Mode)
	}
	if c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("search.default_limit must be positive, got %d", c.Search.DefaultLimit)
	}

	return nil
}

// Hash returns a truncated hex digest over every field that invalidates
// existing chunks when changed: chunker strategy, chunk size,
// extensions, ignore patterns, and embedding model. It must stay
// consistent with the indexer's own config-hash computation, since both
// feed and compare against the same IndexMetadata.ConfigHash.
func (c *Config) Hash() string {
	extensions := append([]string(nil), c.Indexer.Extensions...)
	sort.Strings(extensions)
	ignore := append([]string(nil), c.Indexer.IgnorePatterns...)
	sort.Strings(ignore)

	var b strings.Builder
	fmt.Fprintf(&b, "strategy=%s\n", c.Indexer.ChunkerStrategy)
	fmt.Fprintf(&b, "chunk_size=%d\n", c.Indexer.ChunkSize)
	for _, e := range extensions {
		fmt.Fprintf(&b, "ext=%s\n", e)
	}
	for _, p := range ignore {
		fmt.Fprintf(&b, "ignore=%s\n", p)
	}
	fmt.Fprintf(&b, "model=%s\n", c.Embeddings.Model)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// WriteTOML writes the configuration to a TOML file.
func (c *Config) WriteTOML(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// DetectProjectType detects the project type based on marker files.
// Priority: go.mod > package.json > pyproject.toml/requirements.txt.
func DetectProjectType(dir string) ProjectType {
	if fileExists(filepath.Join(dir, "go.mod")) {
		return ProjectTypeGo
	}
	if fileExists(filepath.Join(dir, "package.json")) {
		return ProjectTypeNode
	}
	if fileExists(filepath.Join(dir, "pyproject.toml")) ||
		fileExists(filepath.Join(dir, "requirements.txt")) {
		return ProjectTypePython
	}
	return ProjectTypeUnknown
}

// DefaultIndexWorkers returns the default indexing worker count: one
// per logical CPU.
func DefaultIndexWorkers() int {
	return runtime.NumCPU()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// String returns a string representation of ProjectType.
func (p ProjectType) String() string {
	return string(p)
}

// IsKnown returns true if the project type is known (not unknown).
func (p ProjectType) IsKnown() bool {
	return p != ProjectTypeUnknown
}
