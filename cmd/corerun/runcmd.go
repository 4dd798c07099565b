package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/corerun/corerun/internal/config"
	"github.com/corerun/corerun/internal/netdrv"
	"github.com/corerun/corerun/internal/netmgr"
	"github.com/corerun/corerun/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	var (
		hostname   string
		memoryMB   uint64
		cpuPercent uint64
		pidsLimit  int64
		volumes    []string
		network    string
		ports      []string
		rootfs     string
	)

	cmd := &cobra.Command{
		Use:   "run --rootfs PATH [flags] CMD [ARGS...]",
		Short: "Run CMD inside a new container",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := config.ParseNetworkMode(network)
			if err != nil {
				return err
			}

			portMappings := make([]config.PortMapping, 0, len(ports))
			for _, raw := range ports {
				pm, err := config.ParsePortMapping(raw)
				if err != nil {
					return err
				}
				portMappings = append(portMappings, pm)
			}

			cfg := &config.ContainerConfig{
				Rootfs:     rootfs,
				Command:    args[0],
				Args:       args[1:],
				Hostname:   hostname,
				MemoryMB:   memoryMB,
				CPUPercent: cpuPercent,
				PidsLimit:  pidsLimit,
				Volumes:    volumes,
				Network:    mode,
				Ports:      portMappings,
			}

			orch, err := buildOrchestrator()
			if err != nil {
				return err
			}

			result, runErr := orch.Run(context.Background(), cfg)
			if runErr != nil {
				return runErr
			}
			if result.ExitCode != 0 {
				cmd.SilenceUsage = true
				return errExitNonZero
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&rootfs, "rootfs", "", "host directory to become / inside the container")
	flags.StringVar(&hostname, "hostname", config.DefaultHostname, "UTS hostname")
	flags.Uint64VarP(&memoryMB, "memory", "m", 0, "memory cap in MB")
	flags.Uint64VarP(&cpuPercent, "cpu", "c", 0, "CPU share, percent of one core")
	flags.Int64VarP(&pidsLimit, "pids", "p", 0, "max PIDs")
	flags.StringArrayVarP(&volumes, "volume", "v", nil, "SRC[:DST[:ro|rw]] (repeatable)")
	flags.StringVarP(&network, "network", "n", "bridge", "bridge | host | none | container:<id>")
	flags.StringArrayVarP(&ports, "port", "P", nil, "HOST:CONTAINER[/tcp|/udp] (repeatable)")
	_ = cmd.MarkFlagRequired("rootfs")

	return cmd
}

// buildOrchestrator wires the real netdrv/netmgr/orchestrator stack.
func buildOrchestrator() (*orchestrator.Orchestrator, error) {
	driver, err := netdrv.New()
	if err != nil {
		return nil, err
	}
	net, err := netmgr.New(driver)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(net), nil
}

// errExitNonZero carries only a short generic message (main prints it
// after the payload's own stderr output); spec section 6 collapses every
// non-zero payload exit to process exit code 1.
var errExitNonZero = errSentinel("container payload exited non-zero")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
