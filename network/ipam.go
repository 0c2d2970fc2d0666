package network

import (
	"encoding/binary"
	"encoding/json"
	"io/ioutil"
	"net"
	"os"
	"path"
	"sync"

	"cellbox/cellerr"
	"cellbox/util"
)

// IPAM hands out addresses per subnet from a persisted bitmap, one bit per
// host address. Offset 0 is reserved for the gateway side.
type IPAM struct {
	allocatorPath string

	mu      sync.Mutex
	subnets map[string]*util.Bitmap
}

func NewIPAM(allocatorPath string) *IPAM {
	return &IPAM{allocatorPath: allocatorPath}
}

func (ipam *IPAM) load() error {
	ipam.subnets = map[string]*util.Bitmap{}
	if !util.PathExists(ipam.allocatorPath) {
		return nil
	}
	content, err := ioutil.ReadFile(ipam.allocatorPath)
	if err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "read ipam state %s", ipam.allocatorPath)
	}
	if err := json.Unmarshal(content, &ipam.subnets); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "parse ipam state %s", ipam.allocatorPath)
	}
	return nil
}

func (ipam *IPAM) dump() error {
	dir, _ := path.Split(ipam.allocatorPath)
	if !util.PathExists(dir) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return cellerr.Wrap(cellerr.Internal, err, "create ipam state dir")
		}
	}
	content, err := json.Marshal(ipam.subnets)
	if err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "marshal ipam state")
	}
	if err := ioutil.WriteFile(ipam.allocatorPath, content, 0644); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "write ipam state %s", ipam.allocatorPath)
	}
	return nil
}

// subnetKey normalizes a subnet to its masked network address. Callers hold
// IPNets whose IP may be any host in the range (a network's IPRange carries
// the gateway), so the raw String() would split one pool across several keys.
func subnetKey(subnet *net.IPNet) string {
	masked := net.IPNet{IP: subnet.IP.Mask(subnet.Mask), Mask: subnet.Mask}
	return masked.String()
}

// subnetBase returns the network address as a host-order integer.
func subnetBase(subnet *net.IPNet) uint32 {
	return binary.BigEndian.Uint32(subnet.IP.Mask(subnet.Mask).To4())
}

// Allocate reserves the next free address in subnet.
func (ipam *IPAM) Allocate(subnet *net.IPNet) (net.IP, error) {
	ipam.mu.Lock()
	defer ipam.mu.Unlock()

	if err := ipam.load(); err != nil {
		return nil, err
	}
	key := subnetKey(subnet)
	ones, bits := subnet.Mask.Size()
	if _, tracked := ipam.subnets[key]; !tracked {
		ipam.subnets[key] = util.NewBitmap(1 << uint(bits-ones))
	}
	index, ok := ipam.subnets[key].GetAvailableAndSet()
	if !ok {
		return nil, cellerr.New(cellerr.ResourceExhausted, "subnet %s has no free addresses", key)
	}

	// Offset 0 belongs to the gateway, so hosts start one past the base.
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, subnetBase(subnet)+uint32(index)+1)
	if err := ipam.dump(); err != nil {
		return nil, err
	}
	return ip, nil
}

// Release returns an address to its subnet's pool.
func (ipam *IPAM) Release(subnet *net.IPNet, addr net.IP) error {
	ipam.mu.Lock()
	defer ipam.mu.Unlock()

	if err := ipam.load(); err != nil {
		return err
	}
	key := subnetKey(subnet)
	bitmap, tracked := ipam.subnets[key]
	if !tracked {
		return cellerr.New(cellerr.NotFound, "subnet %s is not tracked", key)
	}

	index := binary.BigEndian.Uint32(addr.To4()) - subnetBase(subnet) - 1
	bitmap.Remove(uint64(index))
	return ipam.dump()
}
