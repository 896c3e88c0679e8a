package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nolood/coderag/internal/output"
	"github.com/nolood/coderag/internal/project"
	"github.com/nolood/coderag/internal/store"
	"github.com/nolood/coderag/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the detected project and index status",
		Long: `status reports the detected project root, where its index is
stored, and a summary of the saved IndexMetadata, without triggering
any indexing itself.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print status as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, jsonOut bool) error {
	out := output.New(cmd.OutOrStdout())

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	detected, err := project.Detect(cwd)
	if err != nil {
		if jsonOut {
			return err
		}
		out.Error(err.Error())
		return err
	}

	loc := project.ResolveStorage(detected, globalDataDir())
	dir := loc.Dir()

	info := ui.StatusInfo{
		ProjectName:   filepath.Base(detected.Root),
		WatcherStatus: "n/a",
	}

	meta, err := loadMetadata(dir)
	switch {
	case err == nil:
		info.TotalFiles = meta.FileCount
		info.TotalChunks = meta.ChunkCount
		info.LastIndexed = meta.LastUpdated
		info.EmbedderModel = meta.EmbeddingModelID
		info.EmbedderStatus = "ready"
	case errors.Is(err, store.ErrMetadataNotFound):
		info.EmbedderStatus = "offline"
	default:
		return fmt.Errorf("load index metadata: %w", err)
	}

	info.MetadataSize = fileSize(filepath.Join(dir, "metadata.db"))
	info.VectorSize = fileSize(filepath.Join(dir, "index.lance"))
	info.BM25Size = dirSize(filepath.Join(dir, "bm25"))
	info.TotalSize = info.MetadataSize + info.VectorSize + info.BM25Size

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), true)
	if jsonOut {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}

// loadMetadata opens the metadata store at dir just long enough to read
// its one IndexMetadata row.
func loadMetadata(dir string) (*store.IndexMetadata, error) {
	path := filepath.Join(dir, "metadata.db")
	if _, err := os.Stat(path); err != nil {
		return nil, store.ErrMetadataNotFound
	}

	ms, err := store.NewSQLiteMetadataStore(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ms.Close() }()

	return ms.Load(context.Background())
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
