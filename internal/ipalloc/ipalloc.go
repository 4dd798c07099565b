// Package ipalloc hands out unique IPv4 addresses within a subnet for the
// bridge network mode (spec component C7), skipping the network and
// gateway addresses and probing for externally-live addresses before each
// allocation to avoid colliding with a concurrently-running runtime.
package ipalloc

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/corerun/corerun/internal/corerunlog"
)

var log = corerunlog.For("ipalloc")

// scanCandidates bounds the ping-scan to the first N candidate addresses
// in the subnet, per spec section 4.6 / section 9 open question 2.
const scanCandidates = 20

const probeTimeout = 1 * time.Second

// Allocator hands out IPv4 addresses from one subnet. The zero value is
// not usable; construct with New.
type Allocator struct {
	mu        sync.Mutex
	subnet    *net.IPNet
	gateway   net.IP
	allocated map[uint32]struct{}
	probe     func(ip net.IP) bool
}

// New builds an Allocator over subnet with the given gateway (which, along
// with the network address, is never handed out).
func New(subnet *net.IPNet, gateway net.IP) *Allocator {
	return &Allocator{
		subnet:    subnet,
		gateway:   gateway.To4(),
		allocated: make(map[uint32]struct{}),
		probe:     pingProbe,
	}
}

// Allocate returns the lowest free IPv4 address in the subnet, excluding
// the network address and the gateway. It first ping-scans the first 20
// candidate addresses and folds any that answer into the allocated set,
// so a second runtime's unseen allocation does not get handed out twice.
func (a *Allocator) Allocate(ctx context.Context) (net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	networkAddr := ipToUint32(a.subnet.IP.Mask(a.subnet.Mask).To4())
	ones, _ := a.subnet.Mask.Size()
	broadcastAddr := networkAddr | (^uint32(0) >> uint(ones))
	gatewayAddr := ipToUint32(a.gateway)

	a.scanLive(ctx, networkAddr, broadcastAddr, gatewayAddr)

	for candidate := networkAddr + 1; candidate < broadcastAddr; candidate++ {
		if candidate == gatewayAddr {
			continue
		}
		if _, held := a.allocated[candidate]; held {
			continue
		}
		a.allocated[candidate] = struct{}{}
		return uint32ToIP(candidate), nil
	}

	return nil, errors.New("ipalloc: subnet exhausted")
}

// Release removes ip from the allocated set. Releasing an address that was
// never allocated is a no-op.
func (a *Allocator) Release(ip net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, ipToUint32(ip.To4()))
}

// scanLive probes the first scanCandidates addresses above the network
// address (skipping the gateway) and marks any that answer an ICMP echo as
// allocated, guarding against collision with a concurrently-running
// runtime that this process has no other visibility into.
func (a *Allocator) scanLive(ctx context.Context, networkAddr, broadcastAddr, gatewayAddr uint32) {
	scanned := 0
	for candidate := networkAddr + 1; candidate < broadcastAddr && scanned < scanCandidates; candidate++ {
		if candidate == gatewayAddr {
			continue
		}
		scanned++
		if _, held := a.allocated[candidate]; held {
			continue
		}
		ip := uint32ToIP(candidate)
		if a.probe(ip) {
			log.WithField("ip", ip.String()).Debug("ping scan found a live address, marking allocated")
			a.allocated[candidate] = struct{}{}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// pingProbe sends one ICMP echo with a 1s timeout via the system ping
// binary, matching the external-command-driver design of spec section 9
// ("not a library" — the contract is observable host state).
func pingProbe(ip net.IP) bool {
	cmd := exec.Command("ping", "-c", "1", "-W", "1", ip.String())
	return cmd.Run() == nil
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return binary.BigEndian.Uint32(ip)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
