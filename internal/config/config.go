// Package config holds the ContainerConfig data model (the user request)
// and the small CLI-facing grammars (network mode, port mapping) that the
// command-line front end hands to the runtime core. Argument parsing and
// help rendering themselves live in cmd/corerun, outside the core per
// spec section 1.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/corerun/corerun/internal/containererr"
)

// DefaultHostname is used when ContainerConfig.Hostname is empty.
const DefaultHostname = "rust-container"

// NetworkModeKind selects one of the four network modes a container can run
// under.
type NetworkModeKind int

const (
	NetworkBridge NetworkModeKind = iota
	NetworkHost
	NetworkNone
	NetworkContainer
)

// NetworkMode is a closed sum over the network modes: Bridge{name},
// Host, None, Container{peer-id}.
type NetworkMode struct {
	Kind       NetworkModeKind
	BridgeName string // set when Kind == NetworkBridge
	PeerID     string // set when Kind == NetworkContainer
}

func (m NetworkMode) String() string {
	switch m.Kind {
	case NetworkBridge:
		return "bridge:" + m.BridgeName
	case NetworkHost:
		return "host"
	case NetworkNone:
		return "none"
	case NetworkContainer:
		return "container:" + m.PeerID
	default:
		return "unknown"
	}
}

// IsolatesNetwork reports whether this mode requires the orchestrator to
// fork a child, configure its netns from the parent, and synchronise over
// the handshake pipe (spec section 11 control flow: "isolate_net = (mode
// != Host)").
func (m NetworkMode) IsolatesNetwork() bool {
	return m.Kind != NetworkHost
}

// NeedsOwnNetNamespace reports whether the child should unshare a fresh
// network namespace (CLONE_NEWNET) at re-exec time. Bridge and None both
// need a fresh, empty namespace the orchestrator configures via the sync
// pipe. Container{peer-id} does not: the child instead setns-joins the
// peer's existing namespace directly (see netmgr.PeerPID / netns.Join),
// so unsharing one first would only have to be immediately discarded.
func (m NetworkMode) NeedsOwnNetNamespace() bool {
	return m.Kind == NetworkBridge || m.Kind == NetworkNone
}

// ParseNetworkMode parses the -n/--network CLI value: "bridge", "host",
// "none", or "container:<id>". A bare "bridge" uses the default network
// name "bridge" (see netmgr.DefaultNetworkName).
func ParseNetworkMode(raw string) (NetworkMode, error) {
	if raw == "" {
		raw = "bridge"
	}
	switch {
	case raw == "bridge":
		return NetworkMode{Kind: NetworkBridge, BridgeName: "bridge"}, nil
	case raw == "host":
		return NetworkMode{Kind: NetworkHost}, nil
	case raw == "none":
		return NetworkMode{Kind: NetworkNone}, nil
	case strings.HasPrefix(raw, "container:"):
		peer := strings.TrimPrefix(raw, "container:")
		if peer == "" {
			return NetworkMode{}, containererr.InvalidConfiguration("container: network mode requires a peer id")
		}
		return NetworkMode{Kind: NetworkContainer, PeerID: peer}, nil
	default:
		return NetworkMode{}, containererr.InvalidConfiguration(fmt.Sprintf("unknown network mode %q", raw))
	}
}

// Protocol is the transport protocol of a published port.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// PortMapping publishes one container port on the host.
type PortMapping struct {
	HostPort      uint16
	ContainerPort uint16
	Protocol      Protocol
}

// ParsePortMapping parses "HOST:CONTAINER[/tcp|/udp]"; protocol defaults to
// tcp.
func ParsePortMapping(raw string) (PortMapping, error) {
	proto := TCP
	spec := raw
	if idx := strings.LastIndex(raw, "/"); idx != -1 {
		spec = raw[:idx]
		switch strings.ToLower(raw[idx+1:]) {
		case "tcp":
			proto = TCP
		case "udp":
			proto = UDP
		default:
			return PortMapping{}, containererr.InvalidConfiguration(fmt.Sprintf("port mapping %q: unknown protocol", raw))
		}
	}

	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return PortMapping{}, containererr.InvalidConfiguration(fmt.Sprintf("port mapping %q: expected HOST:CONTAINER", raw))
	}
	hostPort, err := parsePort(parts[0])
	if err != nil {
		return PortMapping{}, containererr.InvalidConfiguration(fmt.Sprintf("port mapping %q: host port: %v", raw, err))
	}
	containerPort, err := parsePort(parts[1])
	if err != nil {
		return PortMapping{}, containererr.InvalidConfiguration(fmt.Sprintf("port mapping %q: container port: %v", raw, err))
	}
	return PortMapping{HostPort: hostPort, ContainerPort: containerPort, Protocol: proto}, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, fmt.Errorf("port must be non-zero")
	}
	return uint16(v), nil
}

// ContainerConfig is the user request handed to the orchestrator.
type ContainerConfig struct {
	Rootfs     string
	Command    string
	Args       []string
	Hostname   string
	MemoryMB   uint64
	CPUPercent uint64
	PidsLimit  int64
	Volumes    []string // raw "SRC[:DST[:ro|rw]]" specs, parsed by the volume subsystem
	Network    NetworkMode
	Ports      []PortMapping
}

// Validate checks the pieces of ContainerConfig that do not require
// touching the filesystem or kernel (those are checked by the components
// that consume them).
func (c *ContainerConfig) Validate() error {
	if strings.TrimSpace(c.Rootfs) == "" {
		return containererr.InvalidConfiguration("rootfs is required")
	}
	if strings.TrimSpace(c.Command) == "" {
		return containererr.InvalidConfiguration("command is required")
	}
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	return nil
}

// ID is the runtime-assigned container identifier: "container-<pid>-<unix-seconds>".
type ID string

// NewID assigns a fresh container id from the orchestrator's own pid and
// the current time.
func NewID(pid int, now time.Time) ID {
	return ID(fmt.Sprintf("container-%d-%d", pid, now.Unix()))
}

// VethSuffix returns bytes [10:17) of the id, used to keep veth interface
// names within the kernel's IFNAMSIZ limit while staying derived from the
// container id (spec section 3).
func (id ID) VethSuffix() string {
	s := string(id)
	if len(s) < 17 {
		// Pad deterministically so short ids (as seen in unit tests) still
		// produce a stable, distinct suffix instead of panicking.
		s = s + strings.Repeat("0", 17-len(s))
	}
	return s[10:17]
}
