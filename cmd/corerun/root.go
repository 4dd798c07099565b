package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "corerun",
		Short:         "Run a single process inside an isolated container sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newInitChildCmd())
	root.AddCommand(newInitPID1Cmd())
	return root
}

// exitCodeFor implements spec section 6: "Exit code 0 iff the payload
// exited with 0 and all cleanup succeeded; 1 on any core error or
// non-zero payload exit." The finer-grained containererr.Kind is still
// useful for logging context and for tests, but the process exit code
// itself stays the spec's plain binary.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
