package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nolood/coderag/internal/output"
	"github.com/nolood/coderag/internal/project"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the local .coderag sidecar for this project",
		Long: `init creates a ".coderag" sidecar directory at the current
working directory, switching project detection to Local storage: once
present, every later coderag command roots its index here instead of a
shared global data directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd)
		},
	}
	return cmd
}

func runInit(cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	sidecar := filepath.Join(cwd, project.SidecarDirName)
	if _, err := os.Stat(sidecar); err == nil {
		out.Status("ℹ️ ", fmt.Sprintf("%s already exists", sidecar))
		return nil
	}

	if err := os.MkdirAll(sidecar, 0755); err != nil {
		return fmt.Errorf("create sidecar directory: %w", err)
	}

	out.Successf("Created %s", sidecar)
	out.Status("💡", "Run 'coderag index' to build the index now, or just run 'coderag search' — it indexes automatically on first use")
	return nil
}
