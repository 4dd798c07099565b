// Command corerun is the CLI front end: it builds a cobra root command
// exposing the "run" verb (spec section 6) plus the hidden
// "__init_child"/"__init_pid1" re-exec subcommands the orchestrator uses
// in place of a raw fork() (SPEC_FULL.md REDESIGN FLAGS item 1). Flag
// parsing and help rendering live here, outside internal/config, per
// spec section 1: the core only ever sees a fully-built
// config.ContainerConfig.
package main

import (
	"fmt"
	"os"

	"github.com/corerun/corerun/internal/corerunlog"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		corerunlog.For("cli").WithError(err).Error("corerun failed")
		fmt.Fprintln(os.Stderr, "corerun:", err)
		os.Exit(exitCodeFor(err))
	}
}
