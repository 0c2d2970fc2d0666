package network

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/vishvananda/netlink"
)

// BridgeDriver realizes a network as a linux bridge with one veth pair per
// attached pod.
type BridgeDriver struct{}

func (driver *BridgeDriver) Name() string {
	return "bridge"
}

func (driver *BridgeDriver) Create(subnet string, name string) (*Network, error) {
	ipRange, err := netlink.ParseIPNet(subnet)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %s: %v", subnet, err)
	}
	nw := &Network{
		Name:    name,
		IPRange: ipRange,
		Driver:  driver.Name(),
	}
	if err := driver.initBridge(nw); err != nil {
		return nil, fmt.Errorf("create network %s: %v", name, err)
	}
	return nw, nil
}

func (driver *BridgeDriver) Delete(nw *Network) error {
	bridge, err := netlink.LinkByName(nw.Name)
	if err != nil {
		return err
	}
	return netlink.LinkDel(bridge)
}

// Connect creates the endpoint's veth pair and hangs the host side off the
// bridge. The peer side is moved into the pod's namespace by the manager.
func (driver *BridgeDriver) Connect(nw *Network, endpoint *Endpoint) error {
	bridge, err := netlink.LinkByName(nw.Name)
	if err != nil {
		return err
	}

	linkAttrs := netlink.NewLinkAttrs()
	linkAttrs.Name = "veth-" + endpoint.ID
	linkAttrs.MasterIndex = bridge.Attrs().Index

	endpoint.Device = netlink.Veth{
		LinkAttrs: linkAttrs,
		PeerName:  "cif-" + endpoint.ID,
	}
	if err := netlink.LinkAdd(&endpoint.Device); err != nil {
		return fmt.Errorf("add veth for endpoint %s: %v", endpoint.ID, err)
	}
	if err := netlink.LinkSetUp(&endpoint.Device); err != nil {
		return fmt.Errorf("set veth up for endpoint %s: %v", endpoint.ID, err)
	}
	return nil
}

func (driver *BridgeDriver) Disconnect(endpoint *Endpoint) error {
	device, err := netlink.LinkByName(endpoint.Device.Attrs().Name)
	if err != nil {
		// Already gone, e.g. the peer's namespace died with its pod.
		return nil
	}
	return netlink.LinkDel(device)
}

func (driver *BridgeDriver) initBridge(nw *Network) error {
	if err := createBridgeInterface(nw.Name); err != nil {
		return err
	}
	if err := setInterfaceIP(nw.Name, nw.IPRange); err != nil {
		return err
	}
	if err := setInterfaceUP(nw.Name); err != nil {
		return err
	}
	return setSNATRule(nw.Name, nw.IPRange)
}

func createBridgeInterface(bridgeName string) error {
	_, err := net.InterfaceByName(bridgeName)
	if err == nil {
		return fmt.Errorf("interface %s already exists", bridgeName)
	}
	if !strings.Contains(err.Error(), "no such network interface") {
		return err
	}

	linkAttrs := netlink.NewLinkAttrs()
	linkAttrs.Name = bridgeName
	if err := netlink.LinkAdd(&netlink.Bridge{LinkAttrs: linkAttrs}); err != nil {
		return fmt.Errorf("add bridge %s: %v", bridgeName, err)
	}
	return nil
}

func setInterfaceIP(name string, ipNet *net.IPNet) error {
	var link netlink.Link
	var err error
	// The link can take a moment to show up after LinkAdd.
	for retries := 2; retries > 0; retries-- {
		link, err = netlink.LinkByName(name)
		if err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("get interface %s: %v", name, err)
	}
	return netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet})
}

func setInterfaceUP(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("get interface %s: %v", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set interface %s up: %v", name, err)
	}
	return nil
}

// setSNATRule masquerades traffic leaving the bridge subnet.
func setSNATRule(bridgeName string, subnet *net.IPNet) error {
	rule := fmt.Sprintf("-t nat -A POSTROUTING -s %s ! -o %s -j MASQUERADE", subnet.String(), bridgeName)
	cmd := exec.Command("iptables", strings.Split(rule, " ")...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("iptables: %v: %s", err, output)
	}
	return nil
}
