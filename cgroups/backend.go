// Package cgroups creates and tears down the cgroup hierarchy node backing a
// cell, and applies controller settings through it. The host is probed once
// for cgroup v2; every logical operation has a v1 and a v2 rendition behind
// the same Backend interface. The backends are stateless: the cell registry
// owns which nodes exist, the kernel filesystem is the record.
package cgroups

import (
	"io/ioutil"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"cellbox/cellerr"
	"cellbox/cgroups/controllers"
)

const unifiedRoot = "/sys/fs/cgroup"

// Backend maps cell names onto cgroup hierarchy nodes.
type Backend interface {
	// V2 reports whether nodes are backed by the unified v2 hierarchy.
	V2() bool
	// Exists reports whether a node for the cell name exists on disk.
	Exists(name string) bool
	// Create makes the hierarchy node. It must not silently succeed twice.
	Create(name string) error
	// ApplyCpu validates and writes the cpu controller settings.
	ApplyCpu(name string, cpu *controllers.Cpu) error
	// ApplyCpuset validates and writes the cpuset controller settings.
	ApplyCpuset(name string, set *controllers.Cpuset) error
	// Attach adds pid to the node so the kernel accounts it against the cell.
	Attach(name string, pid int) error
	// Pids returns the pids currently attached to the node.
	Pids(name string) ([]int, error)
	// Remove deletes the node. Callers must have reaped every executable
	// first; removal with live attached pids is refused.
	Remove(name string) error
	// ReadFile reads back an interface file of the node, e.g. "cpuset.cpus".
	ReadFile(name, file string) (string, error)
}

var (
	probeOnce sync.Once
	probed    Backend
	probeErr  error
)

// Probe detects the host's cgroup setup once, process-wide, and returns the
// matching backend. A unified mount at /sys/fs/cgroup selects v2; otherwise
// the per-subsystem v1 mounts are discovered from the mount table.
func Probe() (Backend, error) {
	probeOnce.Do(func() {
		var st unix.Statfs_t
		if err := unix.Statfs(unifiedRoot, &st); err != nil {
			probeErr = cellerr.Wrap(cellerr.Internal, err, "statfs %s", unifiedRoot)
			return
		}
		if st.Type == unix.CGROUP2_SUPER_MAGIC {
			probed = NewV2(unifiedRoot)
			return
		}
		mounts, err := v1Mounts()
		if err != nil {
			probeErr = err
			return
		}
		probed = NewV1(mounts)
	})
	return probed, probeErr
}

// v1Mounts maps the subsystems cellbox drives onto their v1 mount points.
func v1Mounts() (map[string]string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup"))
	if err != nil {
		return nil, cellerr.Wrap(cellerr.Internal, err, "read mount table")
	}
	mounts := map[string]string{}
	for _, info := range infos {
		for _, opt := range strings.Split(info.VFSOptions, ",") {
			if opt == "cpu" || opt == "cpuset" {
				mounts[opt] = info.Mountpoint
			}
		}
	}
	for _, subsystem := range v1Subsystems {
		if _, ok := mounts[subsystem]; !ok {
			return nil, cellerr.New(cellerr.Unsupported, "no cgroup mount for %s subsystem", subsystem)
		}
	}
	return mounts, nil
}

// writeFile writes a single cgroup interface file under dir.
func writeFile(dir, file, value string) error {
	if err := ioutil.WriteFile(path.Join(dir, file), []byte(value), 0644); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "write %s", path.Join(dir, file))
	}
	return nil
}

// readPids parses a cgroup.procs or tasks file.
func readPids(pidFile string) ([]int, error) {
	content, err := ioutil.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cellerr.Wrap(cellerr.Internal, err, "read %s", pidFile)
	}
	var pids []int
	for _, line := range strings.Fields(string(content)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// removeNode deletes a hierarchy node. rmdir is the kernel operation (cgroupfs
// does not count interface files as directory entries); on a plain filesystem
// those files keep the directory non-empty, so fall back to a recursive remove.
func removeNode(dir string) error {
	err := os.Remove(dir)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(dir)
}

// livePids filters pids down to processes that still exist. The kernel only
// lists live processes in cgroup.procs, but a freshly killed executable can
// linger until reaped.
func livePids(pids []int) []int {
	var live []int
	for _, pid := range pids {
		if err := unix.Kill(pid, 0); err == nil || err == unix.EPERM {
			live = append(live, pid)
		}
	}
	return live
}
