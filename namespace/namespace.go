// Package namespace builds the unshare specification for a cell's process
// tree. It never forks: the executable supervisor consumes the SysProcAttr
// produced here when it spawns a child. Namespaces are a property of the
// spawned process, not of the cgroup node, so the spec is applied at Start
// for every executable, never at Allocate.
package namespace

import (
	"os"
	"path"
	"syscall"

	"cellbox/cellerr"
)

// nsDir lists the kernel's namespace handles for the current process; a
// missing entry means the kernel was built without that namespace type.
const nsDir = "/proc/self/ns"

// Spec selects which namespaces a cell's executables leave behind. The
// cgroup namespace is unshared for every cell regardless of flags.
type Spec struct {
	// IsolateProcess unshares the pid, ipc, uts and mount namespaces.
	IsolateProcess bool
	// IsolateNetwork unshares the net namespace.
	IsolateNetwork bool
}

// Cloneflags renders the spec as clone(2) flags.
func (s Spec) Cloneflags() uintptr {
	flags := uintptr(syscall.CLONE_NEWCGROUP)
	if s.IsolateProcess {
		flags |= syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS | syscall.CLONE_NEWNS
	}
	if s.IsolateNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	return flags
}

// Check fails with Unsupported if the host kernel lacks a namespace type the
// spec requests.
func (s Spec) Check() error {
	required := []string{"cgroup"}
	if s.IsolateProcess {
		required = append(required, "pid", "ipc", "uts", "mnt")
	}
	if s.IsolateNetwork {
		required = append(required, "net")
	}
	for _, ns := range required {
		if _, err := os.Stat(path.Join(nsDir, ns)); err != nil {
			return cellerr.New(cellerr.Unsupported, "kernel does not support %s namespaces", ns)
		}
	}
	return nil
}

// SysProcAttr renders the spec for the supervisor's spawn call. Children get
// their own process group so a stop signal reaches the whole sh -c tree.
func (s Spec) SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Cloneflags: s.Cloneflags(),
		Setpgid:    true,
	}
}
