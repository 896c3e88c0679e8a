package embed

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ProviderType identifies an embedding backend.
type ProviderType string

const (
	// ProviderOllama uses Ollama's HTTP API (default on all platforms).
	ProviderOllama ProviderType = "ollama"

	// ProviderMLX uses a local MLX server (opt-in, Apple Silicon only).
	ProviderMLX ProviderType = "mlx"

	// ProviderStatic uses hash-based embeddings, requiring no running
	// service (for use when no network provider is available).
	ProviderStatic ProviderType = "static"
)

// NewEmbedder constructs an embedder for the given provider with explicit-
// selection tracking: once a user has chosen a provider, either through
// the CODERAG_EMBEDDER environment variable or by passing a specific
// provider argument, construction fails loudly instead of silently
// falling back to a different backend. Auto-detection (provider == "")
// selects Ollama and likewise returns its error without falling back.
//
// Query results are cached by default; set CODERAG_EMBED_CACHE=false to
// disable.
func NewEmbedder(ctx context.Context, provider ProviderType, model string) (Embedder, error) {
	var embedder Embedder
	var err error

	envProvider := os.Getenv("CODERAG_EMBEDDER")
	if envProvider != "" {
		switch ProviderType(strings.ToLower(envProvider)) {
		case ProviderMLX:
			embedder, err = newMLXEmbedder(ctx)
		case ProviderOllama:
			embedder, err = newOllamaEmbedder(ctx, model)
		case ProviderStatic:
			embedder, err = NewStaticEmbedder768(), nil
		default:
			return nil, fmt.Errorf("unknown CODERAG_EMBEDDER value %q (want one of %v)", envProvider, ValidProviders())
		}
	}

	if embedder == nil && err == nil {
		switch provider {
		case ProviderMLX:
			embedder, err = newMLXEmbedder(ctx)
		case ProviderOllama:
			embedder, err = newOllamaEmbedder(ctx, model)
		case ProviderStatic:
			embedder, err = NewStaticEmbedder768(), nil
		default:
			// No explicit choice: auto-detect, defaulting to Ollama for
			// cross-platform compatibility and lower memory use than MLX.
			embedder, err = newOllamaEmbedder(ctx, model)
		}
	}

	if err != nil {
		return nil, err
	}

	if !isCacheDisabled() {
		embedder = NewCachedEmbedderWithDefaults(embedder)
	}

	return embedder, nil
}

func isCacheDisabled() bool {
	v := strings.ToLower(os.Getenv("CODERAG_EMBED_CACHE"))
	return v == "false" || v == "0" || v == "off" || v == "disabled"
}

// newMLXEmbedder constructs the MLX provider. It never falls back to
// another provider: a caller who asked for MLX gets a clear error if it
// is unreachable, not a silently different embedder.
func newMLXEmbedder(ctx context.Context) (Embedder, error) {
	cfg := DefaultMLXConfig()
	if endpoint := os.Getenv("CODERAG_MLX_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if model := os.Getenv("CODERAG_MLX_MODEL"); model != "" {
		cfg.Model = model
	}

	embedder, err := NewMLXEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mlx unavailable: %w\n\nTo fix:\n  1. Start the MLX server\n  2. Or use Ollama: coderag index --provider=ollama\n  3. Or use the offline fallback: coderag index --provider=static", err)
	}
	return embedder, nil
}

// newOllamaEmbedder constructs the Ollama provider. Like MLX, it never
// falls back silently: callers who asked for Ollama get a clear error if
// it is unreachable.
func newOllamaEmbedder(ctx context.Context, model string) (Embedder, error) {
	cfg := DefaultOllamaConfig()
	if model != "" && isOllamaModelName(model) {
		cfg.Model = model
	}
	if host := os.Getenv("CODERAG_OLLAMA_HOST"); host != "" {
		cfg.Host = host
	}
	if modelOverride := os.Getenv("CODERAG_OLLAMA_MODEL"); modelOverride != "" {
		cfg.Model = modelOverride
	}

	embedder, err := NewOllamaEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ollama unavailable: %w\n\nTo fix:\n  1. Start Ollama: ollama serve\n  2. Or use the offline fallback: coderag index --provider=static", err)
	}
	return embedder, nil
}

// ParseProvider converts a string to a ProviderType, defaulting to Ollama
// for an empty or unrecognized value.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(s) {
	case "mlx":
		return ProviderMLX
	case "ollama":
		return ProviderOllama
	case "static":
		return ProviderStatic
	default:
		return ProviderOllama
	}
}

func (p ProviderType) String() string { return string(p) }

// isOllamaModelName reports whether model looks like an Ollama model
// reference (Ollama models carry a ":" tag, e.g. "qwen3-embedding:8b").
func isOllamaModelName(model string) bool {
	return strings.Contains(model, ":")
}

func ValidProviders() []string {
	return []string{string(ProviderMLX), string(ProviderOllama), string(ProviderStatic)}
}

func IsValidProvider(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range ValidProviders() {
		if lower == p {
			return true
		}
	}
	return false
}

// EmbedderInfo describes an embedder's active configuration, surfaced by
// the status and doctor commands.
type EmbedderInfo struct {
	Provider   ProviderType
	Model      string
	Dimensions int
	Available  bool
}

func GetInfo(ctx context.Context, embedder Embedder) EmbedderInfo {
	info := EmbedderInfo{
		Model:      embedder.ModelID(),
		Dimensions: embedder.Dimensions(),
		Available:  embedder.Available(ctx),
	}

	inner := embedder
	if cached, ok := embedder.(*CachedEmbedder); ok {
		inner = cached.inner
	}

	switch inner.(type) {
	case *MLXEmbedder:
		info.Provider = ProviderMLX
	case *OllamaEmbedder:
		info.Provider = ProviderOllama
	default:
		info.Provider = ProviderStatic
	}

	return info
}

// MustNewEmbedder creates an embedder and panics on failure. Use only in
// tests or start-up paths where failure should be fatal.
func MustNewEmbedder(ctx context.Context, provider ProviderType, model string) Embedder {
	embedder, err := NewEmbedder(ctx, provider, model)
	if err != nil {
		panic(fmt.Sprintf("failed to create embedder: %v", err))
	}
	return embedder
}
