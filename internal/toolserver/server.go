// Package toolserver implements the Tool Server (C11): a single-threaded
// cooperative JSON-RPC loop over stdio exposing exactly three tools —
// search, list_files, and get_file — to an AI client such as Claude Code.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nolood/coderag/internal/autoindex"
	"github.com/nolood/coderag/internal/scanner"
	"github.com/nolood/coderag/internal/search"
	"github.com/nolood/coderag/pkg/version"
)

// Server bridges an AI client to the auto-index service and hybrid
// searcher over stdio. Every search and list_files call re-invokes the
// Auto-Index Service for rootDir before answering, so a client always
// searches a ready, current index without a separate "index" step.
type Server struct {
	mcp     *mcp.Server
	auto    *autoindex.Service
	rootDir string
	logger  *slog.Logger
}

// NewServer constructs a Server rooted at rootDir, the directory the tool
// server was launched from. auto must not be nil.
func NewServer(auto *autoindex.Service, rootDir string, logger *slog.Logger) (*Server, error) {
	if auto == nil {
		return nil, fmt.Errorf("toolserver: auto-index service is required")
	}
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("toolserver: resolve root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{auto: auto, rootDir: abs, logger: logger}

	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    "coderag",
		Version: version.Version,
	}, nil)

	s.registerTools()
	return s, nil
}

// Serve runs the server over stdio until ctx is canceled or the client
// closes the connection.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("tool_server_starting", "root", s.rootDir)
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		s.logger.Error("tool_server_stopped", "error", err.Error())
		return err
	}
	s.logger.Info("tool_server_stopped")
	return nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Hybrid semantic and lexical search over the indexed codebase. Ensures the index is built and current before answering.",
	}, s.searchHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_files",
		Description: "List indexed file paths, optionally filtered by a glob pattern.",
	}, s.listFilesHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_file",
		Description: "Read a file's content from disk, given a path relative to the project root.",
	}, s.getFileHandler)
}

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
	Mode  string `json:"mode,omitempty" jsonschema:"search mode: hybrid, vector, or bm25; default hybrid"`
}

// SearchOutput is the output schema for the search tool.
type SearchOutput struct {
	Results []SearchResult `json:"results"`
}

// SearchResult is a single ranked hit.
type SearchResult struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
}

func (s *Server) searchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query parameter is required and must not be empty")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}

	mode := search.ModeHybrid
	if input.Mode != "" {
		switch search.Mode(input.Mode) {
		case search.ModeHybrid, search.ModeVector, search.ModeBM25:
			mode = search.Mode(input.Mode)
		default:
			return nil, SearchOutput{}, NewInvalidParamsError(fmt.Sprintf("unknown mode %q: must be hybrid, vector, or bm25", input.Mode))
		}
	}

	handle, err := s.auto.Ensure(ctx, s.rootDir)
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}
	defer func() { _ = handle.Close() }()

	searcher, err := search.NewSearcher(handle.Vector, handle.BM25, handle.Embedder)
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}

	results, err := searcher.Search(ctx, query, limit, mode)
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}

	output := SearchOutput{Results: make([]SearchResult, 0, len(results))}
	for _, r := range results {
		output.Results = append(output.Results, SearchResult{
			Path:      r.Path,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Content:   r.Content,
			Score:     r.Score,
		})
	}
	return nil, output, nil
}

// ListFilesInput is the input schema for the list_files tool.
type ListFilesInput struct {
	Pattern string `json:"pattern,omitempty" jsonschema:"optional glob pattern to filter paths"`
}

// ListFilesOutput is the output schema for the list_files tool.
type ListFilesOutput struct {
	Files []string `json:"files"`
}

func (s *Server) listFilesHandler(ctx context.Context, _ *mcp.CallToolRequest, input ListFilesInput) (
	*mcp.CallToolResult,
	ListFilesOutput,
	error,
) {
	handle, err := s.auto.Ensure(ctx, s.rootDir)
	if err != nil {
		return nil, ListFilesOutput{}, MapError(err)
	}
	defer func() { _ = handle.Close() }()

	files, err := handle.Vector.ListFiles(ctx, input.Pattern)
	if err != nil {
		return nil, ListFilesOutput{}, MapError(err)
	}
	return nil, ListFilesOutput{Files: files}, nil
}

// GetFileInput is the input schema for the get_file tool.
type GetFileInput struct {
	Path string `json:"path" jsonschema:"file path relative to the project root"`
}

// GetFileOutput is the output schema for the get_file tool.
type GetFileOutput struct {
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

func (s *Server) getFileHandler(_ context.Context, _ *mcp.CallToolRequest, input GetFileInput) (
	*mcp.CallToolResult,
	GetFileOutput,
	error,
) {
	if strings.TrimSpace(input.Path) == "" {
		return nil, GetFileOutput{}, NewInvalidParamsError("path parameter is required")
	}

	resolved, err := s.resolveUnderRoot(input.Path)
	if err != nil {
		return nil, GetFileOutput{}, NewInvalidParamsError(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, GetFileOutput{}, MapError(err)
	}

	rel, err := filepath.Rel(s.rootDir, resolved)
	if err != nil {
		rel = input.Path
	}
	return nil, GetFileOutput{
		Content:  string(data),
		Language: scanner.DetectLanguage(rel),
	}, nil
}

// resolveUnderRoot joins path onto rootDir and rejects any result that
// escapes rootDir, either textually (a "../" climb) or through a symlink
// planted inside the project that points outside it. A path that does
// not exist on disk is returned as-is once the textual check passes, so
// the caller's os.ReadFile reports the natural file-not-found error
// rather than this function inventing one.
func (s *Server) resolveUnderRoot(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be relative to the project root, got %q", path)
	}

	joined := filepath.Join(s.rootDir, path)
	rel, err := filepath.Rel(s.rootDir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", path)
	}

	if _, err := os.Lstat(joined); err != nil {
		return joined, nil
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	rootResolved, err := filepath.EvalSymlinks(s.rootDir)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	relResolved, err := filepath.Rel(rootResolved, resolved)
	if err != nil || relResolved == ".." || strings.HasPrefix(relResolved, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", path)
	}

	return resolved, nil
}

// Close releases server resources. The underlying MCP server has no
// explicit teardown; it stops running when its context is canceled.
func (s *Server) Close() error {
	return nil
}
