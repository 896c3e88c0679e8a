package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/nolood/coderag/internal/config"
	"github.com/nolood/coderag/internal/project"
)

func newConfigCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective merged configuration",
		Long: `config resolves the project's configuration the same way every
other command does - built-in defaults, overlaid with the project's
config.toml sidecar if one exists, overlaid with CODERAG_* environment
variables - and prints the result.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfig(cmd, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print configuration as JSON")
	return cmd
}

func runConfig(cmd *cobra.Command, jsonOut bool) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dataDir := ""
	if detected, err := project.Detect(cwd); err == nil {
		if loc := project.ResolveStorage(detected, globalDataDir()); loc.Local != nil {
			dataDir = loc.Dir()
		}
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	var encoded []byte
	if jsonOut {
		encoded, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		encoded, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}

	w := cmd.OutOrStdout()
	if _, err := w.Write(encoded); err != nil {
		return err
	}
	if !jsonOut {
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "# config hash: %s\n", cfg.Hash())
	return nil
}
