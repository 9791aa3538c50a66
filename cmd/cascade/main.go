// Command cascade runs concepts coordinated by sync rules.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/cascade/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version string

func main() {
	cmd := cli.NewRootCommand(version)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
