// Command changesync runs the change synchronization server, its workers
// and the operator tooling around the ledger.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/changesync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
