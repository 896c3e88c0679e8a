package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nolood/coderag/internal/autoindex"
	"github.com/nolood/coderag/internal/embed"
	"github.com/nolood/coderag/internal/output"
	"github.com/nolood/coderag/internal/search"
)

func newSearchCmd() *cobra.Command {
	var (
		limit    int
		mode     string
		provider string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed codebase",
		Long: `search drives the Auto-Index Service to bring the project's
index up to date, then runs a hybrid (or vector/bm25-only) search and
prints ranked code excerpts to stdout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSearch(ctx, cmd, strings.Join(args, " "), limit, mode, provider)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results")
	cmd.Flags().StringVar(&mode, "mode", "hybrid", "Search mode: hybrid, vector, or bm25")
	cmd.Flags().StringVar(&provider, "provider", "", "Embedding provider: ollama, mlx, or static (default: auto-detect)")
	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, limit int, modeFlag, providerFlag string) error {
	out := output.New(cmd.OutOrStdout())

	searchMode := search.Mode(modeFlag)
	switch searchMode {
	case search.ModeHybrid, search.ModeVector, search.ModeBM25:
	default:
		return fmt.Errorf("unknown mode %q: must be hybrid, vector, or bm25", modeFlag)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	var provider embed.ProviderType
	if providerFlag != "" {
		provider = embed.ParseProvider(providerFlag)
	}

	svc := &autoindex.Service{
		Policy:        autoindex.OnMissingOrStale,
		GlobalDataDir: globalDataDir(),
		Provider:      provider,
	}

	handle, err := svc.Ensure(ctx, cwd)
	if err != nil {
		return fmt.Errorf("ready index: %w", err)
	}
	defer func() { _ = handle.Close() }()

	searcher, err := search.NewSearcher(handle.Vector, handle.BM25, handle.Embedder)
	if err != nil {
		return fmt.Errorf("construct searcher: %w", err)
	}

	results, err := searcher.Search(ctx, query, limit, searchMode)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(results) == 0 {
		out.Status("∅", "No results")
		return nil
	}

	for i, r := range results {
		out.Statusf("", "%d. %s:%d-%d (score %.3f)", i+1, r.Path, r.StartLine, r.EndLine, r.Score)
		out.Code(r.Content)
	}
	return nil
}
