package cgroups

import (
	"io/ioutil"
	"os"
	"path"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"cellbox/cellerr"
	"cellbox/cgroups/controllers"
)

// v1Subsystems are the legacy hierarchies cellbox drives. Each one is a
// separate mount with its own directory per cell.
var v1Subsystems = []string{"cpu", "cpuset"}

// V1 drives per-subsystem cgroup v1 hierarchies. A cell maps to one
// directory per subsystem, e.g. /sys/fs/cgroup/cpu/<name>.
type V1 struct {
	mounts map[string]string
}

// NewV1 returns a v1 backend over the given subsystem mount points.
func NewV1(mounts map[string]string) *V1 {
	return &V1{mounts: mounts}
}

func (b *V1) V2() bool {
	return false
}

func (b *V1) node(subsystem, name string) string {
	return path.Join(b.mounts[subsystem], name)
}

func (b *V1) Exists(name string) bool {
	for _, subsystem := range v1Subsystems {
		if _, err := os.Stat(b.node(subsystem, name)); err == nil {
			return true
		}
	}
	return false
}

func (b *V1) Create(name string) error {
	if b.Exists(name) {
		return cellerr.New(cellerr.AlreadyExists, "cgroup node %s already exists", name)
	}
	var created []string
	for _, subsystem := range v1Subsystems {
		dir := b.node(subsystem, name)
		if err := os.Mkdir(dir, 0755); err != nil {
			for _, undo := range created {
				if rmErr := removeNode(undo); rmErr != nil {
					log.Warnf("cgroups: roll back %s: %v", undo, rmErr)
				}
			}
			return cellerr.Wrap(cellerr.ResourceExhausted, err, "create cgroup node %s", name)
		}
		created = append(created, dir)
	}
	if err := b.inheritCpuset(name); err != nil {
		for _, undo := range created {
			if rmErr := removeNode(undo); rmErr != nil {
				log.Warnf("cgroups: roll back %s: %v", undo, rmErr)
			}
		}
		return err
	}
	return nil
}

// inheritCpuset seeds a fresh v1 cpuset node from its parent. The kernel
// refuses to attach a pid to a cpuset cgroup whose cpus or mems are empty.
func (b *V1) inheritCpuset(name string) error {
	parent := b.mounts["cpuset"]
	node := b.node("cpuset", name)
	for _, file := range []string{"cpuset.cpus", "cpuset.mems"} {
		value, err := ioutil.ReadFile(path.Join(parent, file))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cellerr.Wrap(cellerr.Internal, err, "read parent %s", file)
		}
		if len(strings.TrimSpace(string(value))) == 0 {
			continue
		}
		if err := writeFile(node, file, strings.TrimSpace(string(value))); err != nil {
			return err
		}
	}
	return nil
}

func (b *V1) ApplyCpu(name string, cpu *controllers.Cpu) error {
	if err := cpu.Validate(); err != nil {
		return err
	}
	return b.apply("cpu", name, cpu.V1Files())
}

func (b *V1) ApplyCpuset(name string, set *controllers.Cpuset) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return b.apply("cpuset", name, set.V1Files())
}

func (b *V1) apply(subsystem, name string, files map[string]string) error {
	dir := b.node(subsystem, name)
	if _, err := os.Stat(dir); err != nil {
		return cellerr.New(cellerr.NotFound, "cgroup node %s does not exist", name)
	}
	for file, value := range files {
		if err := writeFile(dir, file, value); err != nil {
			return err
		}
	}
	return nil
}

func (b *V1) Attach(name string, pid int) error {
	if !b.Exists(name) {
		return cellerr.New(cellerr.NotFound, "cgroup node %s does not exist", name)
	}
	for _, subsystem := range v1Subsystems {
		if err := writeFile(b.node(subsystem, name), "tasks", strconv.Itoa(pid)); err != nil {
			return err
		}
	}
	return nil
}

func (b *V1) Pids(name string) ([]int, error) {
	if !b.Exists(name) {
		return nil, cellerr.New(cellerr.NotFound, "cgroup node %s does not exist", name)
	}
	seen := map[int]bool{}
	var pids []int
	for _, subsystem := range v1Subsystems {
		found, err := readPids(path.Join(b.node(subsystem, name), "tasks"))
		if err != nil {
			return nil, err
		}
		for _, pid := range found {
			if !seen[pid] {
				seen[pid] = true
				pids = append(pids, pid)
			}
		}
	}
	return pids, nil
}

func (b *V1) Remove(name string) error {
	if !b.Exists(name) {
		return cellerr.New(cellerr.NotFound, "cgroup node %s does not exist", name)
	}
	pids, err := b.Pids(name)
	if err != nil {
		return err
	}
	if live := livePids(pids); len(live) > 0 {
		return cellerr.New(cellerr.FailedPrecondition, "cgroup node %s still has %d attached processes", name, len(live))
	}
	for _, subsystem := range v1Subsystems {
		if err := removeNode(b.node(subsystem, name)); err != nil {
			return cellerr.Wrap(cellerr.Internal, err, "remove cgroup node %s", name)
		}
	}
	return nil
}

func (b *V1) ReadFile(name, file string) (string, error) {
	subsystem := strings.SplitN(file, ".", 2)[0]
	if _, ok := b.mounts[subsystem]; !ok {
		return "", cellerr.New(cellerr.InvalidArgument, "no %s subsystem for file %s", subsystem, file)
	}
	content, err := ioutil.ReadFile(path.Join(b.node(subsystem, name), file))
	if err != nil {
		return "", cellerr.Wrap(cellerr.Internal, err, "read %s of cgroup node %s", file, name)
	}
	return strings.TrimSpace(string(content)), nil
}
