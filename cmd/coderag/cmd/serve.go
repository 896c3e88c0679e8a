package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nolood/coderag/internal/autoindex"
	"github.com/nolood/coderag/internal/embed"
	"github.com/nolood/coderag/internal/logging"
	"github.com/nolood/coderag/internal/toolserver"
)

func newServeCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tool server on stdio",
		Long: `serve starts the JSON-RPC tool server on stdio for an AI
client such as Claude Code. Once serve has started, nothing but framed
JSON-RPC messages may touch stdout: every log line goes to a rotating
file under the log directory instead of stderr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(provider)
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Embedding provider: ollama, mlx, or static (default: auto-detect)")
	return cmd
}

func runServe(providerFlag string) error {
	cleanup, err := logging.SetupMCPModeWithLevel(logLevel)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	srv, err := toolserver.NewServer(svc, cwd, slog.Default())
	if err != nil {
		return fmt.Errorf("construct tool server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	return srv.Serve(ctx)
}
