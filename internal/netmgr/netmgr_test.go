package netmgr

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corerun/corerun/internal/config"
	"github.com/corerun/corerun/internal/netdrv"
)

func mustParseIP(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		panic("bad test IP: " + s)
	}
	return ip
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	driver := netdrv.NewWithOps(nil, nil)
	m, err := New(driver)
	require.NoError(t, err)
	return m
}

func TestNewCreatesDefaultBridgeNetwork(t *testing.T) {
	m := testManager(t)
	entry, err := m.network(DefaultNetworkName)
	require.NoError(t, err)
	require.Equal(t, DefaultBridgeDevice, entry.Bridge)
	require.Equal(t, DefaultGateway, entry.Gateway.String())
	require.Equal(t, DefaultSubnet, entry.Subnet.String())
}

func TestSetupContainerNetworkHostModeRecordsEmptyNetwork(t *testing.T) {
	m := testManager(t)
	id := config.ID("container-1-1700000000")
	cn, err := m.SetupContainerNetwork(context.Background(), id, 1234, config.NetworkMode{Kind: config.NetworkHost}, nil)
	require.NoError(t, err)
	require.Nil(t, cn.IPAddress)
	require.Empty(t, cn.Ports)
}

func TestSetupContainerNetworkRejectsUnknownBridgeName(t *testing.T) {
	m := testManager(t)
	id := config.ID("container-2-1700000000")
	_, err := m.SetupContainerNetwork(context.Background(), id, 1234, config.NetworkMode{Kind: config.NetworkBridge, BridgeName: "nope"}, nil)
	require.Error(t, err)
}

func TestCleanupContainerNetworkOfUnknownIDIsNoop(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.CleanupContainerNetwork(config.ID("container-999-1700000000")))
}

func TestCleanupContainerNetworkOfHostModeIsNoop(t *testing.T) {
	m := testManager(t)
	id := config.ID("container-3-1700000000")
	_, err := m.SetupContainerNetwork(context.Background(), id, 1234, config.NetworkMode{Kind: config.NetworkHost}, nil)
	require.NoError(t, err)
	require.NoError(t, m.CleanupContainerNetwork(id))
}

func TestPeerPIDParsesContainerID(t *testing.T) {
	pid, err := PeerPID("container-4242-1700000000")
	require.NoError(t, err)
	require.Equal(t, 4242, pid)
}

func TestPeerPIDRejectsMalformedID(t *testing.T) {
	_, err := PeerPID("not-a-container-id")
	require.Error(t, err)
}

func TestSetupContainerPeerCopiesAddressFromKnownPeer(t *testing.T) {
	m := testManager(t)
	peerID := config.ID("container-100-1700000000")
	m.recordContainer(peerID, &ContainerNetwork{IPAddress: mustParseIP("172.18.0.5"), Gateway: mustParseIP("172.18.0.1")})

	id := config.ID("container-200-1700000000")
	cn, err := m.SetupContainerNetwork(context.Background(), id, 4242, config.NetworkMode{Kind: config.NetworkContainer, PeerID: string(peerID)}, nil)
	require.NoError(t, err)
	require.Equal(t, "172.18.0.5", cn.IPAddress.String())
}
