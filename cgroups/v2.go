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

// V2 drives the unified cgroup v2 hierarchy. Each cell is one directory
// directly under the root, e.g. /sys/fs/cgroup/<name>.
type V2 struct {
	root string
}

// NewV2 returns a v2 backend rooted at root. Production uses /sys/fs/cgroup;
// tests point this at a scratch directory.
func NewV2(root string) *V2 {
	return &V2{root: root}
}

func (b *V2) V2() bool {
	return true
}

func (b *V2) node(name string) string {
	return path.Join(b.root, name)
}

func (b *V2) Exists(name string) bool {
	_, err := os.Stat(b.node(name))
	return err == nil
}

func (b *V2) Create(name string) error {
	if b.Exists(name) {
		return cellerr.New(cellerr.AlreadyExists, "cgroup node %s already exists", name)
	}
	// Controllers have to be delegated by the parent before the child can
	// use them. Failure is tolerated: the root may already delegate, or may
	// not support a controller we never end up writing.
	subtree := path.Join(b.root, "cgroup.subtree_control")
	if err := ioutil.WriteFile(subtree, []byte("+cpu +cpuset"), 0644); err != nil {
		log.Debugf("cgroups: enable subtree controllers: %v", err)
	}
	if err := os.Mkdir(b.node(name), 0755); err != nil {
		return cellerr.Wrap(cellerr.ResourceExhausted, err, "create cgroup node %s", name)
	}
	return nil
}

func (b *V2) ApplyCpu(name string, cpu *controllers.Cpu) error {
	if err := cpu.Validate(); err != nil {
		return err
	}
	return b.apply(name, cpu.V2Files())
}

func (b *V2) ApplyCpuset(name string, set *controllers.Cpuset) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return b.apply(name, set.V2Files())
}

func (b *V2) apply(name string, files map[string]string) error {
	if !b.Exists(name) {
		return cellerr.New(cellerr.NotFound, "cgroup node %s does not exist", name)
	}
	for file, value := range files {
		if err := writeFile(b.node(name), file, value); err != nil {
			return err
		}
	}
	return nil
}

func (b *V2) Attach(name string, pid int) error {
	if !b.Exists(name) {
		return cellerr.New(cellerr.NotFound, "cgroup node %s does not exist", name)
	}
	return writeFile(b.node(name), "cgroup.procs", strconv.Itoa(pid))
}

func (b *V2) Pids(name string) ([]int, error) {
	if !b.Exists(name) {
		return nil, cellerr.New(cellerr.NotFound, "cgroup node %s does not exist", name)
	}
	return readPids(path.Join(b.node(name), "cgroup.procs"))
}

func (b *V2) Remove(name string) error {
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
	if err := removeNode(b.node(name)); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "remove cgroup node %s", name)
	}
	return nil
}

func (b *V2) ReadFile(name, file string) (string, error) {
	content, err := ioutil.ReadFile(path.Join(b.node(name), file))
	if err != nil {
		return "", cellerr.Wrap(cellerr.Internal, err, "read %s of cgroup node %s", file, name)
	}
	return strings.TrimSpace(string(content)), nil
}
