// Command crusader is the CLI front-end over internal/core: serve and
// test run against real sockets; remote and plot are out of the core
// engine's scope and report core.ErrNotImplemented.
package main

import (
	"fmt"
	"os"

	"github.com/crusader-net/crusader/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.L().Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
