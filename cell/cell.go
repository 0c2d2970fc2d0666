// Package cell implements the cell lifecycle state machine and the
// executable supervisor. A cell is a named isolation boundary: one cgroup
// hierarchy node plus the namespace spec its executables are spawned under.
// The Registry is the single source of truth for cell existence; the cgroup
// backend and namespace isolator are stateless services it drives.
package cell

import (
	"strings"
	"time"

	"cellbox/cellerr"
	"cellbox/cgroups/controllers"
	"cellbox/namespace"
)

// Spec is the declarative resource request a cell is allocated from.
type Spec struct {
	// Cpu configures the cpu controller; nil inherits cgroup defaults.
	Cpu *controllers.Cpu
	// Cpuset pins the cell to cpus and memory nodes; nil inherits.
	Cpuset *controllers.Cpuset
	// IsolateProcess unshares pid, ipc, uts and mount namespaces for every
	// executable started in the cell.
	IsolateProcess bool
	// IsolateNetwork unshares the net namespace.
	IsolateNetwork bool
}

func (s *Spec) Validate() error {
	if s.Cpu != nil {
		if err := s.Cpu.Validate(); err != nil {
			return err
		}
	}
	if s.Cpuset != nil {
		if err := s.Cpuset.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Namespaces renders the isolation flags as an unshare spec.
func (s *Spec) Namespaces() namespace.Spec {
	return namespace.Spec{
		IsolateProcess: s.IsolateProcess,
		IsolateNetwork: s.IsolateNetwork,
	}
}

// Executable is a single tracked process run inside a cell. Command is a
// shell invocation, executed as sh -c.
type Executable struct {
	Name        string
	Command     string
	Description string
}

func (e *Executable) Validate() error {
	if e.Name == "" {
		return cellerr.New(cellerr.InvalidArgument, "executable name is required")
	}
	if e.Command == "" {
		return cellerr.New(cellerr.InvalidArgument, "executable command is required")
	}
	return nil
}

// Cell is a live allocated cell. All access goes through the Registry under
// the cell's name lock.
type Cell struct {
	name    string
	spec    Spec
	created time.Time
	execs   map[string]*process
}

func newCell(name string, spec Spec, created time.Time) *Cell {
	return &Cell{
		name:    name,
		spec:    spec,
		created: created,
		execs:   map[string]*process{},
	}
}

func validateCellName(name string) error {
	if name == "" {
		return cellerr.New(cellerr.InvalidArgument, "cell name is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, "/ \t\n") {
		return cellerr.New(cellerr.InvalidArgument, "cell name %q must be a single path component", name)
	}
	return nil
}
