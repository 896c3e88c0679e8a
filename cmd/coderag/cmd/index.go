package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nolood/coderag/internal/autoindex"
	"github.com/nolood/coderag/internal/embed"
	"github.com/nolood/coderag/internal/output"
	"github.com/nolood/coderag/internal/project"
)

func newIndexCmd() *cobra.Command {
	var (
		force    bool
		provider string
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or refresh the project's index",
		Long: `index drives the Indexer synchronously against the project
rooted at the current working directory. With --force, the existing
index is deleted first, so the next auto-index decision sees an absent
store and does a full rebuild.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runIndex(ctx, cmd, force, provider)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Clear the existing index and rebuild from scratch")
	cmd.Flags().StringVar(&provider, "provider", "", "Embedding provider: ollama, mlx, or static (default: auto-detect)")
	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, force bool, providerFlag string) error {
	out := output.New(cmd.OutOrStdout())

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	if force {
		detected, err := project.Detect(cwd)
		if err != nil {
			return fmt.Errorf("detect project root: %w", err)
		}
		loc := project.ResolveStorage(detected, globalDataDir())
		if err := clearIndexData(loc.Dir()); err != nil {
			return fmt.Errorf("clear existing index: %w", err)
		}
		out.Status("🗑️ ", "Cleared existing index")
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

	out.Status("📊", "Indexing project...")
	handle, err := svc.Ensure(ctx, cwd)
	if err != nil {
		return fmt.Errorf("index project: %w", err)
	}
	defer func() { _ = handle.Close() }()

	out.Successf("Index ready at %s", handle.Location.Dir())
	return nil
}

// clearIndexData removes a prior run's persisted stores so the next
// Ensure call's DECIDE step sees an absent index and rebuilds from
// scratch, rather than threading a force parameter through the
// Auto-Index Service itself.
func clearIndexData(dir string) error {
	for _, name := range []string{"metadata.db", "index.lance", "bm25"} {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
