// Command tabnotes manages tabbed note sessions from the terminal.
package main

import (
	"os"

	"github.com/runnerr0/tabnotes/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.Run(version); err != nil {
		os.Exit(1)
	}
}
