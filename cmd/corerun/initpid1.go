package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/corerun/corerun/internal/fsmgr"
	"github.com/corerun/corerun/internal/process"
	"github.com/corerun/corerun/internal/reexec"
	"github.com/corerun/corerun/internal/volume"
)

// newInitPID1Cmd builds the hidden "__init_pid1" subcommand: the
// re-exec target of nsmgr.BuildPID1Hop. By the time this runs it is PID
// 1 of a fresh pid namespace, with mount/uts/ipc(/net) already unshared
// by the "__init_child" hop it was spawned from. It pivots the rootfs,
// binds the volumes, and execs the payload under a PTY (spec section
// 4.10.f-i).
func newInitPID1Cmd() *cobra.Command {
	return &cobra.Command{
		Use:    "__init_pid1",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitPID1()
		},
	}
}

func runInitPID1() error {
	payload, err := reexec.Decode()
	if err != nil {
		return err
	}
	cfg := payload.Config

	if err := fsmgr.SetupRootfs(cfg.Rootfs); err != nil {
		return err
	}
	if err := volume.BindAll(cfg.Rootfs, payload.Mounts); err != nil {
		return err
	}

	exitCode, err := process.Execute(cfg.Command, cfg.Args)
	if exitCode < 0 {
		return err
	}
	// A non-zero exitCode carries its own containererr.ProcessExecution
	// (spec section 4.9 step 5), but this process's own OS exit code is
	// what nsmgr.RunAndMirrorExit reads back up the re-exec chain
	// (spec section 4.10.e) — os.Exit must run regardless of err so the
	// payload's real exit status survives the hop.
	os.Exit(exitCode)
	return nil
}
