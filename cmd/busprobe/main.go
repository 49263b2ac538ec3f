// Command busprobe runs asynchronous conformance scenarios against services
// on a message bus.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/busprobe/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "busprobe:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
