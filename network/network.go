// Package network attaches pods to host-local networks. A network is a
// bridge plus a subnet; attaching a pod means a veth pair with the peer end
// moved into the pod's net namespace and addressed out of the subnet. This
// is optional plumbing on top of the cell engine: a pod without a network
// keeps its empty unshared net namespace.
package network

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"cellbox/cellerr"
	"cellbox/util"
)

// DefaultStateDir is where network definitions and IPAM state persist.
const DefaultStateDir = "/var/run/cellbox/network"

type Network struct {
	Name    string
	IPRange *net.IPNet
	Driver  string
}

type Endpoint struct {
	ID        string
	Device    netlink.Veth
	IPAddress net.IP
	Network   *Network
}

type Driver interface {
	Name() string
	Create(subnet string, name string) (*Network, error)
	Delete(nw *Network) error
	Connect(nw *Network, endpoint *Endpoint) error
	Disconnect(endpoint *Endpoint) error
}

// Manager owns the named networks and their address pools.
type Manager struct {
	stateDir string
	ipam     *IPAM
	drivers  map[string]Driver

	mu       sync.Mutex
	networks map[string]*Network
}

func NewManager(stateDir string) (*Manager, error) {
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	bridge := &BridgeDriver{}
	m := &Manager{
		stateDir: stateDir,
		ipam:     NewIPAM(path.Join(stateDir, "ipam", "subnet.json")),
		drivers:  map[string]Driver{bridge.Name(): bridge},
		networks: map[string]*Network{},
	}
	if err := m.loadNetworks(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) networksDir() string {
	return path.Join(m.stateDir, "networks")
}

func (m *Manager) loadNetworks() error {
	dir := m.networksDir()
	if !util.PathExists(dir) {
		return nil
	}
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "list networks")
	}
	for _, entry := range entries {
		content, err := ioutil.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return cellerr.Wrap(cellerr.Internal, err, "read network %s", entry.Name())
		}
		nw := &Network{}
		if err := json.Unmarshal(content, nw); err != nil {
			log.Warnf("skip unreadable network %s: %v", entry.Name(), err)
			continue
		}
		m.networks[nw.Name] = nw
	}
	return nil
}

func (m *Manager) dumpNetwork(nw *Network) error {
	dir := m.networksDir()
	if !util.PathExists(dir) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return cellerr.Wrap(cellerr.Internal, err, "create networks dir")
		}
	}
	content, err := json.Marshal(nw)
	if err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "marshal network %s", nw.Name)
	}
	if err := ioutil.WriteFile(path.Join(dir, nw.Name), content, 0644); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "write network %s", nw.Name)
	}
	return nil
}

// Create defines a network and brings its bridge up. The gateway address is
// allocated out of the subnet before the driver sees it.
func (m *Manager) Create(driver, subnet, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.networks[name]; taken {
		return cellerr.New(cellerr.AlreadyExists, "network %s already exists", name)
	}
	d, known := m.drivers[driver]
	if !known {
		return cellerr.New(cellerr.InvalidArgument, "unknown network driver %s", driver)
	}

	_, cidr, err := net.ParseCIDR(subnet)
	if err != nil {
		return cellerr.Wrap(cellerr.InvalidArgument, err, "parse subnet %s", subnet)
	}
	gateway, err := m.ipam.Allocate(cidr)
	if err != nil {
		return err
	}
	cidr.IP = gateway

	nw, err := d.Create(cidr.String(), name)
	if err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "create network %s", name)
	}
	if err := m.dumpNetwork(nw); err != nil {
		return err
	}
	m.networks[name] = nw
	return nil
}

// Delete tears the network's bridge down and forgets it.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nw, known := m.networks[name]
	if !known {
		return cellerr.New(cellerr.NotFound, "network %s not found", name)
	}
	if err := m.ipam.Release(nw.IPRange, nw.IPRange.IP); err != nil {
		return err
	}
	if err := m.drivers[nw.Driver].Delete(nw); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "delete network %s", name)
	}
	if err := os.Remove(path.Join(m.networksDir(), name)); err != nil && !os.IsNotExist(err) {
		return cellerr.Wrap(cellerr.Internal, err, "remove network state %s", name)
	}
	delete(m.networks, name)
	return nil
}

// List returns the defined networks.
func (m *Manager) List() []*Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	var networks []*Network
	for _, nw := range m.networks {
		networks = append(networks, nw)
	}
	return networks
}

// Connect attaches the process tree rooted at pid to the named network: it
// allocates an address, wires a veth pair to the bridge and configures the
// peer end inside pid's net namespace.
func (m *Manager) Connect(networkName string, pid int) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nw, known := m.networks[networkName]
	if !known {
		return nil, cellerr.New(cellerr.NotFound, "network %s not found", networkName)
	}
	ip, err := m.ipam.Allocate(nw.IPRange)
	if err != nil {
		return nil, err
	}

	id, err := util.RandString(5)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.Internal, err, "generate endpoint id")
	}
	endpoint := &Endpoint{
		ID:        id,
		IPAddress: ip,
		Network:   nw,
	}
	if err := m.drivers[nw.Driver].Connect(nw, endpoint); err != nil {
		if rbErr := m.ipam.Release(nw.IPRange, ip); rbErr != nil {
			log.Warnf("network %s: roll back address %s: %v", networkName, ip, rbErr)
		}
		return nil, cellerr.Wrap(cellerr.Internal, err, "connect endpoint to network %s", networkName)
	}
	if err := configureEndpoint(endpoint, pid); err != nil {
		if rbErr := m.drivers[nw.Driver].Disconnect(endpoint); rbErr != nil {
			log.Warnf("network %s: roll back endpoint %s: %v", networkName, endpoint.ID, rbErr)
		}
		if rbErr := m.ipam.Release(nw.IPRange, ip); rbErr != nil {
			log.Warnf("network %s: roll back address %s: %v", networkName, ip, rbErr)
		}
		return nil, err
	}
	return endpoint, nil
}

// Disconnect releases an endpoint created by Connect.
func (m *Manager) Disconnect(endpoint *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.drivers[endpoint.Network.Driver].Disconnect(endpoint); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "disconnect endpoint %s", endpoint.ID)
	}
	return m.ipam.Release(endpoint.Network.IPRange, endpoint.IPAddress)
}

// configureEndpoint moves the veth peer into pid's net namespace and, from
// inside it, assigns the address, brings the interfaces up and routes
// everything through the bridge gateway.
func configureEndpoint(endpoint *Endpoint, pid int) error {
	peer, err := netlink.LinkByName(endpoint.Device.PeerName)
	if err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "find veth peer %s", endpoint.Device.PeerName)
	}

	restore, err := enterNetns(peer, pid)
	if err != nil {
		return err
	}
	defer restore()

	addr := *endpoint.Network.IPRange
	addr.IP = endpoint.IPAddress
	if err := setInterfaceIP(endpoint.Device.PeerName, &addr); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "address endpoint %s", endpoint.ID)
	}
	if err := setInterfaceUP(endpoint.Device.PeerName); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "bring endpoint %s up", endpoint.ID)
	}
	if err := setInterfaceUP("lo"); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "bring loopback up")
	}

	_, defaultDst, _ := net.ParseCIDR("0.0.0.0/0")
	route := &netlink.Route{
		LinkIndex: peer.Attrs().Index,
		Gw:        endpoint.Network.IPRange.IP,
		Dst:       defaultDst,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "add default route for endpoint %s", endpoint.ID)
	}
	return nil
}

// enterNetns moves link into pid's net namespace and switches the calling
// thread there. The returned func switches back and unlocks the thread.
func enterNetns(link netlink.Link, pid int) (func(), error) {
	handle, err := netns.GetFromPid(pid)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.Internal, err, "open netns of pid %d", pid)
	}

	// The thread must not migrate between goroutines while it sits in a
	// foreign namespace.
	runtime.LockOSThread()

	if err := netlink.LinkSetNsFd(link, int(handle)); err != nil {
		runtime.UnlockOSThread()
		handle.Close()
		return nil, cellerr.Wrap(cellerr.Internal, err, "move %s into netns of pid %d", link.Attrs().Name, pid)
	}

	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		handle.Close()
		return nil, cellerr.Wrap(cellerr.Internal, err, "get current netns")
	}
	if err := netns.Set(handle); err != nil {
		origin.Close()
		runtime.UnlockOSThread()
		handle.Close()
		return nil, cellerr.Wrap(cellerr.Internal, err, "enter netns of pid %d", pid)
	}

	return func() {
		if err := netns.Set(origin); err != nil {
			log.Errorf("restore netns: %v", err)
		}
		origin.Close()
		handle.Close()
		runtime.UnlockOSThread()
	}, nil
}

// String renders a network for listing.
func (nw *Network) String() string {
	return fmt.Sprintf("%s (%s, %s)", nw.Name, nw.Driver, nw.IPRange)
}
