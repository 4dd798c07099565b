// Package netdrv implements the bridge/veth/iptables driver (spec
// component C6) over github.com/vishvananda/netlink and
// github.com/coreos/go-iptables instead of shelling out to "ip" and
// "iptables" the way the teacher does, matching minidocker's dependency
// choice for the same concern. The netlink/iptables calls are made
// through the small LinkOps/IptablesOps interfaces below so tests can
// substitute a fake and assert on the rule/link construction without
// touching the kernel or requiring root.
package netdrv

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"

	"github.com/corerun/corerun/internal/config"
	"github.com/corerun/corerun/internal/containererr"
	"github.com/corerun/corerun/internal/corerunlog"
)

var log = corerunlog.For("netdrv")

// LinkOps is the subset of netlink operations the driver needs.
type LinkOps interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetMaster(link netlink.Link, master netlink.Link) error
	LinkSetNsPid(link netlink.Link, pid int) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
}

type realLinkOps struct{}

func (realLinkOps) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (realLinkOps) LinkAdd(link netlink.Link) error              { return netlink.LinkAdd(link) }
func (realLinkOps) LinkDel(link netlink.Link) error              { return netlink.LinkDel(link) }
func (realLinkOps) LinkSetUp(link netlink.Link) error            { return netlink.LinkSetUp(link) }
func (realLinkOps) LinkSetMaster(link, master netlink.Link) error {
	return netlink.LinkSetMaster(link, master)
}
func (realLinkOps) LinkSetNsPid(link netlink.Link, pid int) error {
	return netlink.LinkSetNsPid(link, pid)
}
func (realLinkOps) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}

// IptablesOps is the subset of go-iptables the driver needs, expressed as
// an interface so the NAT rule templates can be tested without a real
// iptables binary on the test host.
type IptablesOps interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	AppendUnique(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

// Driver implements spec section 4.5 (Bridge / veth / iptables driver).
type Driver struct {
	links        LinkOps
	nat          IptablesOps
	writeProcSys func(path string) error
}

// New builds a Driver backed by real netlink and a real go-iptables
// client with the library's defaults (IPv4, the "iptables" binary found
// on PATH, whichever backend it uses).
func New() (*Driver, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, containererr.Network("initialise iptables client", err)
	}
	return &Driver{links: realLinkOps{}, nat: ipt, writeProcSys: writeProcSysBool}, nil
}

// NewWithOps builds a Driver over caller-supplied LinkOps/IptablesOps,
// for tests.
func NewWithOps(links LinkOps, nat IptablesOps) *Driver {
	return &Driver{links: links, nat: nat, writeProcSys: writeProcSysBool}
}

// ---- Bridge ----

// CreateBridge creates the bridge device if it does not already exist
// (spec section 4.5: "create (idempotent — existence probe first)").
func (d *Driver) CreateBridge(name string) error {
	if _, err := d.links.LinkByName(name); err == nil {
		log.WithField("bridge", name).Debug("bridge already exists")
		return nil
	}
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	br := &netlink.Bridge{LinkAttrs: attrs}
	if err := d.links.LinkAdd(br); err != nil && !isExists(err) {
		return containererr.Network("create bridge "+name, err)
	}
	return nil
}

// DeleteBridge removes the bridge device, tolerating its absence.
func (d *Driver) DeleteBridge(name string) error {
	link, err := d.links.LinkByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return containererr.Network("find bridge "+name, err)
	}
	if err := d.links.LinkDel(link); err != nil && !isNotFound(err) {
		return containererr.Network("delete bridge "+name, err)
	}
	return nil
}

// SetBridgeIP assigns addr (CIDR form) to the bridge, tolerating "file
// exists" (spec section 4.5: "set_ip(addr, prefix) (idempotent — 'File
// exists' tolerated)").
func (d *Driver) SetBridgeIP(name, cidr string) error {
	link, err := d.links.LinkByName(name)
	if err != nil {
		return containererr.Network("find bridge "+name, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return containererr.InvalidConfiguration("bridge address " + cidr + ": " + err.Error())
	}
	if err := d.links.AddrAdd(link, addr); err != nil && !isExists(err) {
		return containererr.Network("assign bridge address "+cidr, err)
	}
	return nil
}

// BridgeUp brings the bridge link up.
func (d *Driver) BridgeUp(name string) error {
	link, err := d.links.LinkByName(name)
	if err != nil {
		return containererr.Network("find bridge "+name, err)
	}
	if err := d.links.LinkSetUp(link); err != nil {
		return containererr.Network("bring up bridge "+name, err)
	}
	return nil
}

// AttachInterface sets ifname's master to bridge and brings ifname up
// (spec section 4.5: "attach_interface(ifname) (set master + bring peer
// up)").
func (d *Driver) AttachInterface(bridge, ifname string) error {
	br, err := d.links.LinkByName(bridge)
	if err != nil {
		return containererr.Network("find bridge "+bridge, err)
	}
	link, err := d.links.LinkByName(ifname)
	if err != nil {
		return containererr.Network("find interface "+ifname, err)
	}
	if err := d.links.LinkSetMaster(link, br); err != nil {
		return containererr.Network("attach "+ifname+" to "+bridge, err)
	}
	if err := d.links.LinkSetUp(link); err != nil {
		return containererr.Network("bring up "+ifname, err)
	}
	return nil
}

// ---- veth ----

// CreateVethPair creates a veth pair named host/peer.
func (d *Driver) CreateVethPair(host, peer string) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = host
	veth := &netlink.Veth{LinkAttrs: attrs, PeerName: peer}
	if err := d.links.LinkAdd(veth); err != nil && !isExists(err) {
		return containererr.Network("create veth pair "+host+"/"+peer, err)
	}
	return nil
}

// MoveToNamespace moves ifname into the network namespace of pid. This
// must happen before the target process enters other namespaces that
// would hide the interface (spec section 4.5).
func (d *Driver) MoveToNamespace(ifname string, pid int) error {
	link, err := d.links.LinkByName(ifname)
	if err != nil {
		return containererr.Network("find interface "+ifname, err)
	}
	if err := d.links.LinkSetNsPid(link, pid); err != nil {
		return containererr.Network(fmt.Sprintf("move %s to netns of pid %d", ifname, pid), err)
	}
	return nil
}

// DeleteVeth deletes a veth endpoint by name, tolerating "Cannot find
// device".
func (d *Driver) DeleteVeth(name string) error {
	link, err := d.links.LinkByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return containererr.Network("find veth "+name, err)
	}
	if err := d.links.LinkDel(link); err != nil && !isNotFound(err) {
		return containererr.Network("delete veth "+name, err)
	}
	return nil
}

// ---- iptables / NAT ----

const natTable = "nat"
const filterTable = "filter"

// SetupNAT implements spec section 4.5's setup_nat: enables forwarding,
// installs the MASQUERADE rule for the subnet, the FORWARD accepts for
// the bridge, and the hairpin NAT rule.
func (d *Driver) SetupNAT(bridge, subnet string) error {
	if err := d.enableIPForward(); err != nil {
		return err
	}
	if err := d.appendUniqueTolerant(natTable, "POSTROUTING",
		"-s", subnet, "!", "-o", bridge, "-j", "MASQUERADE"); err != nil {
		return err
	}
	if err := d.insertTolerant(filterTable, "FORWARD", 1, "-i", bridge, "-j", "ACCEPT"); err != nil {
		return err
	}
	if err := d.insertTolerant(filterTable, "FORWARD", 1, "-o", bridge, "-j", "ACCEPT"); err != nil {
		return err
	}
	if err := d.appendUniqueTolerant(natTable, "POSTROUTING",
		"-s", "127.0.0.1", "-d", subnet, "-j", "MASQUERADE"); err != nil {
		return err
	}
	return nil
}

// EnableLocalhostRouting implements spec section 4.5's
// enable_localhost_routing.
func (d *Driver) EnableLocalhostRouting(bridge string) error {
	if err := d.writeProcSys("/proc/sys/net/ipv4/conf/all/route_localnet"); err != nil {
		return err
	}
	return d.writeProcSys("/proc/sys/net/ipv4/conf/" + bridge + "/route_localnet")
}

// AddPortForward implements spec section 4.5's add_port_forward: a
// PREROUTING DNAT, an OUTPUT DNAT for localhost reach, and a FORWARD
// accept for the flow, each inserted at position 1.
func (d *Driver) AddPortForward(m config.PortMapping, containerIP string) error {
	dest := fmt.Sprintf("%s:%d", containerIP, m.ContainerPort)
	hostPort := fmt.Sprintf("%d", m.HostPort)
	proto := string(m.Protocol)

	if err := d.insertTolerant(natTable, "PREROUTING", 1,
		"-p", proto, "--dport", hostPort, "-j", "DNAT", "--to-destination", dest); err != nil {
		return err
	}
	if err := d.insertTolerant(natTable, "OUTPUT", 1,
		"-d", "127.0.0.1", "-p", proto, "--dport", hostPort, "-j", "DNAT", "--to-destination", dest); err != nil {
		return err
	}
	if err := d.insertTolerant(filterTable, "FORWARD", 1,
		"-p", proto, "-d", containerIP, "--dport", fmt.Sprintf("%d", m.ContainerPort), "-j", "ACCEPT"); err != nil {
		return err
	}
	return nil
}

// RemovePortForward deletes the mirror rule set AddPortForward installs.
func (d *Driver) RemovePortForward(m config.PortMapping, containerIP string) error {
	dest := fmt.Sprintf("%s:%d", containerIP, m.ContainerPort)
	hostPort := fmt.Sprintf("%d", m.HostPort)
	proto := string(m.Protocol)

	d.deleteTolerant(natTable, "PREROUTING",
		"-p", proto, "--dport", hostPort, "-j", "DNAT", "--to-destination", dest)
	d.deleteTolerant(natTable, "OUTPUT",
		"-d", "127.0.0.1", "-p", proto, "--dport", hostPort, "-j", "DNAT", "--to-destination", dest)
	d.deleteTolerant(filterTable, "FORWARD",
		"-p", proto, "-d", containerIP, "--dport", fmt.Sprintf("%d", m.ContainerPort), "-j", "ACCEPT")
	return nil
}

// CleanupNAT deletes the FORWARD accepts for bridge (spec section 4.5's
// cleanup_nat).
func (d *Driver) CleanupNAT(bridge string) error {
	d.deleteTolerant(filterTable, "FORWARD", "-i", bridge, "-j", "ACCEPT")
	d.deleteTolerant(filterTable, "FORWARD", "-o", bridge, "-j", "ACCEPT")
	return nil
}

func (d *Driver) appendUniqueTolerant(table, chain string, rule ...string) error {
	if err := d.nat.AppendUnique(table, chain, rule...); err != nil && !isIPTablesIdempotent(err) {
		return containererr.Network(fmt.Sprintf("append %s/%s rule", table, chain), err)
	}
	return nil
}

func (d *Driver) insertTolerant(table, chain string, pos int, rule ...string) error {
	exists, err := d.nat.Exists(table, chain, rule...)
	if err == nil && exists {
		return nil
	}
	if err := d.nat.Insert(table, chain, pos, rule...); err != nil && !isIPTablesIdempotent(err) {
		return containererr.Network(fmt.Sprintf("insert %s/%s rule", table, chain), err)
	}
	return nil
}

func (d *Driver) deleteTolerant(table, chain string, rule ...string) {
	if err := d.nat.Delete(table, chain, rule...); err != nil && !isIPTablesIdempotent(err) {
		log.WithFields(map[string]interface{}{"table": table, "chain": chain}).
			WithError(err).Warn("iptables rule delete failed")
	}
}

func (d *Driver) enableIPForward() error {
	if err := d.writeProcSys("/proc/sys/net/ipv4/ip_forward"); err != nil {
		if fallbackErr := exec.Command("sysctl", "-w", "net.ipv4.ip_forward=1").Run(); fallbackErr != nil {
			return containererr.Network("enable ip forwarding", err)
		}
	}
	return nil
}

func writeProcSysBool(path string) error {
	if err := os.WriteFile(path, []byte("1\n"), 0644); err != nil {
		return containererr.Network("write "+path, err)
	}
	return nil
}

func isExists(err error) bool {
	return containsAny(err, "file exists", "exists")
}

func isNotFound(err error) bool {
	return containsAny(err, "cannot find device", "no such", "not found", "link not found")
}

func isIPTablesIdempotent(err error) bool {
	return containsAny(err, "already exists", "duplicate", "no chain/target/match", "bad rule")
}

func containsAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrs {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
