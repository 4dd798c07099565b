package ipalloc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSubnet(t *testing.T) (*net.IPNet, net.IP) {
	t.Helper()
	_, subnet, err := net.ParseCIDR("172.18.0.0/16")
	require.NoError(t, err)
	return subnet, net.ParseIP("172.18.0.1")
}

func noLiveHosts(net.IP) bool { return false }

func TestAllocateReturnsLowestFreeAddress(t *testing.T) {
	subnet, gateway := testSubnet(t)
	a := New(subnet, gateway)
	a.probe = noLiveHosts

	ip, err := a.Allocate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "172.18.0.2", ip.String())

	ip2, err := a.Allocate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "172.18.0.3", ip2.String())
}

func TestAllocateSkipsNetworkAndGatewayAddresses(t *testing.T) {
	subnet, gateway := testSubnet(t)
	a := New(subnet, gateway)
	a.probe = noLiveHosts

	for i := 0; i < 5; i++ {
		ip, err := a.Allocate(context.Background())
		require.NoError(t, err)
		require.NotEqual(t, "172.18.0.0", ip.String())
		require.NotEqual(t, "172.18.0.1", ip.String())
	}
}

func TestAllocateDoesNotRepeatWithoutRelease(t *testing.T) {
	subnet, gateway := testSubnet(t)
	a := New(subnet, gateway)
	a.probe = noLiveHosts

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ip, err := a.Allocate(context.Background())
		require.NoError(t, err)
		require.False(t, seen[ip.String()], "address %s allocated twice without release", ip)
		seen[ip.String()] = true
	}
}

func TestReleaseAllowsReuse(t *testing.T) {
	subnet, gateway := testSubnet(t)
	a := New(subnet, gateway)
	a.probe = noLiveHosts

	ip, err := a.Allocate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "172.18.0.2", ip.String())

	a.Release(ip)

	ip2, err := a.Allocate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "172.18.0.2", ip2.String(), "released address should be reusable")
}

func TestAllocateFoldsLiveAddressesFromProbe(t *testing.T) {
	subnet, gateway := testSubnet(t)
	a := New(subnet, gateway)
	a.probe = func(ip net.IP) bool {
		return ip.String() == "172.18.0.2"
	}

	ip, err := a.Allocate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "172.18.0.3", ip.String(), "a live address found by the scan must not be handed out")
}

func TestAllocateRespectsContextCancellationDuringScan(t *testing.T) {
	subnet, gateway := testSubnet(t)
	a := New(subnet, gateway)
	a.probe = noLiveHosts

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ip, err := a.Allocate(ctx)
	require.NoError(t, err, "a cancelled scan still falls through to allocation")
	require.Equal(t, "172.18.0.2", ip.String())
}
