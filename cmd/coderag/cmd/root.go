// Package cmd implements the coderag command-line tree: init, index,
// search, serve, status, doctor, and config, all registered on a root
// command built by NewRootCmd.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	amerrors "github.com/nolood/coderag/internal/errors"
	"github.com/nolood/coderag/internal/logging"
	"github.com/nolood/coderag/internal/project"
	"github.com/nolood/coderag/pkg/version"
)

var (
	logLevel    string
	dataDirFlag string
	logCleanup  func()
)

// NewRootCmd builds the full coderag command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "coderag",
		Short:        "Local semantic code search over JSON-RPC stdio",
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// serve speaks JSON-RPC on stdout; it wires its own
			// MCP-safe, stderr-silent logging instead of this one.
			if cmd.Name() == "serve" {
				return nil
			}
			logger, cleanup, err := logging.Setup(logging.Config{
				Level:         logLevel,
				FilePath:      logging.DefaultLogPath(),
				MaxSizeMB:     10,
				MaxFiles:      5,
				WriteToStderr: true,
			})
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			slog.SetDefault(logger)
			logCleanup = cleanup
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if logCleanup != nil {
				logCleanup()
			}
			return nil
		},
	}

	defaultLevel := os.Getenv("CODERAG_LOG_LEVEL")
	if defaultLevel == "" {
		defaultLevel = "info"
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLevel, "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", os.Getenv("CODERAG_DATA_DIR"), "override the global index data directory")

	root.AddCommand(
		newInitCmd(),
		newIndexCmd(),
		newSearchCmd(),
		newServeCmd(),
		newStatusCmd(),
		newDoctorCmd(),
		newConfigCmd(),
	)

	return root
}

// Execute builds the root command and runs it. main calls it and passes
// the returned error to ExitCode.
func Execute() error {
	return NewRootCmd().Execute()
}

// globalDataDir resolves the global index data directory: the
// --data-dir flag (or CODERAG_DATA_DIR env var it defaults from) if
// set, otherwise an XDG-style directory under the user's home, falling
// back to a temp directory if that can't be resolved.
func globalDataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "coderag-data")
	}
	return filepath.Join(home, ".local", "share", "coderag")
}

// ExitCode maps an error returned from Execute to the process exit
// code spec'd for the CLI: 0 success, 1 user error (bad args, no
// project), 2 environment error (I/O, permission), 3 fatal internal
// error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var ce *amerrors.CodeRAGError
	if errors.As(err, &ce) {
		switch ce.Category {
		case amerrors.CategoryDetection, amerrors.CategoryConfig, amerrors.CategoryTool:
			return 1
		case amerrors.CategoryStorage:
			return 2
		default:
			return 3
		}
	}

	if errors.Is(err, project.ErrNoProjectRoot) {
		return 1
	}

	return 1
}
