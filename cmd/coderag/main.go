// Command coderag is a local, single-binary semantic code search engine
// driven over JSON-RPC stdio.
package main

import (
	"fmt"
	"os"

	"github.com/nolood/coderag/cmd/coderag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cmd.ExitCode(err))
	}
}
