package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/corerun/corerun/internal/config"
	"github.com/corerun/corerun/internal/containererr"
	"github.com/corerun/corerun/internal/netmgr"
	"github.com/corerun/corerun/internal/netns"
	"github.com/corerun/corerun/internal/nsmgr"
	"github.com/corerun/corerun/internal/reexec"
)

// newInitChildCmd builds the hidden "__init_child" subcommand: the
// re-exec target of nsmgr.BuildUnshareHop. It never runs interactively;
// the orchestrator (C11) launches it with CLONE_NEWNS/NEWUTS/NEWIPC(/NEWNET)
// already applied by the kernel at clone(2) time. When the network mode
// isolates networking, fd 3 is also the "netns ready" pipe write end and
// fd 4 the "network configured" pipe read end (SPEC_FULL.md REDESIGN
// FLAGS item 4); Host mode carries neither fd.
func newInitChildCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "__init_child",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitChild()
		},
	}
}

func runInitChild() error {
	payload, err := reexec.Decode()
	if err != nil {
		return err
	}
	cfg := payload.Config

	if cfg.Network.Kind == config.NetworkContainer {
		peerPID, err := netmgr.PeerPID(cfg.Network.PeerID)
		if err != nil {
			return err
		}
		if err := netns.Join(peerPID); err != nil {
			return err
		}
	}

	// Host mode never forks a net namespace, so the orchestrator never
	// opens the sync pipe for it either (spec section 2/4.10) — fd 3/4
	// only exist when cfg.Network.IsolatesNetwork() is true.
	if cfg.Network.IsolatesNetwork() {
		readyW := os.NewFile(3, "netns-ready-w")
		netR := os.NewFile(4, "network-configured-r")
		if readyW == nil || netR == nil {
			return containererr.Namespace("missing sync pipe file descriptors", nil)
		}

		if _, err := readyW.Write([]byte{'1'}); err != nil {
			return containererr.IO("write netns-ready byte", err)
		}
		readyW.Close()

		if _, err := netR.Read(make([]byte, 1)); err != nil {
			return containererr.IO("read network-configured byte", err)
		}
		netR.Close()
	}

	if err := nsmgr.SetHostname(cfg.Hostname); err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return containererr.Namespace("locate self executable", err)
	}
	pid1Cmd := nsmgr.BuildPID1Hop(self, os.Environ(), os.Stdin, os.Stdout, os.Stderr)
	exitCode, err := nsmgr.RunAndMirrorExit(pid1Cmd)
	if err != nil {
		return err
	}
	os.Exit(exitCode)
	return nil
}
