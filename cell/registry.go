package cell

import (
	"sort"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"cellbox/cellerr"
	"cellbox/cgroups"
	"cellbox/namespace"
)

// DefaultGracePeriod bounds how long Stop waits after SIGTERM before it
// escalates to SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// Config carries the registry's collaborators and knobs.
type Config struct {
	// Backend is the cgroup backend cells are created through.
	Backend cgroups.Backend
	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
	// LogDir, when set, receives one <cell>/<executable>.log file per
	// started executable.
	LogDir string
}

// Registry is the arena of live cells, keyed by cell name. Operations on the
// same cell serialize on a per-name lock; operations on distinct cells run in
// parallel. Nothing else in the process records which cells exist.
type Registry struct {
	backend cgroups.Backend
	grace   time.Duration
	logDir  string

	// spawnAttr renders a namespace spec for the spawn call. Tests swap it
	// out to start children without privileged clone flags.
	spawnAttr func(namespace.Spec) *syscall.SysProcAttr

	mu    sync.Mutex
	cells map[string]*Cell
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry(cfg Config) *Registry {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		backend:   cfg.Backend,
		grace:     grace,
		logDir:    cfg.LogDir,
		spawnAttr: namespace.Spec.SysProcAttr,
		cells:     map[string]*Cell{},
		locks:     map[string]*nameLock{},
	}
}

// lock acquires the per-name lock and returns its release func. Lock entries
// are reclaimed once no cell and no waiter uses them.
func (r *Registry) lock(name string) func() {
	r.mu.Lock()
	l := r.locks[name]
	if l == nil {
		l = &nameLock{}
		r.locks[name] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 && r.cells[name] == nil {
			delete(r.locks, name)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) get(name string) *Cell {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cells[name]
}

func (r *Registry) put(c *Cell) {
	r.mu.Lock()
	r.cells[c.name] = c
	r.mu.Unlock()
}

func (r *Registry) drop(name string) {
	r.mu.Lock()
	delete(r.cells, name)
	r.mu.Unlock()
}

// Allocate validates the spec, creates the cell's cgroup node, applies the
// controllers and registers the cell. It reports whether the node is backed
// by cgroup v2. A failure after the node was created rolls the node back
// before returning; rollback failures are logged, never returned.
func (r *Registry) Allocate(name string, spec Spec) (bool, error) {
	if err := validateCellName(name); err != nil {
		return false, err
	}
	if err := spec.Validate(); err != nil {
		return false, err
	}

	unlock := r.lock(name)
	defer unlock()

	if r.get(name) != nil {
		return false, cellerr.New(cellerr.AlreadyExists, "cell %s already exists", name)
	}
	if r.backend.Exists(name) {
		return false, cellerr.New(cellerr.AlreadyExists, "cgroup node %s exists but is not a cell", name)
	}

	if err := r.backend.Create(name); err != nil {
		return false, err
	}
	if err := r.applyControllers(name, spec); err != nil {
		if rbErr := r.backend.Remove(name); rbErr != nil {
			log.Warnf("cell %s: roll back cgroup node: %v", name, rbErr)
		}
		return false, err
	}

	r.put(newCell(name, spec, time.Now()))
	log.Infof("cell %s: allocated (cgroup v2: %v)", name, r.backend.V2())
	return r.backend.V2(), nil
}

func (r *Registry) applyControllers(name string, spec Spec) error {
	if spec.Cpu != nil {
		if err := r.backend.ApplyCpu(name, spec.Cpu); err != nil {
			return err
		}
	}
	if spec.Cpuset != nil {
		if err := r.backend.ApplyCpuset(name, spec.Cpuset); err != nil {
			return err
		}
	}
	return nil
}

// Start spawns an executable inside the named cell and returns its pid. The
// pid is attached to the cell's cgroup immediately after the spawn so the
// process never runs unconstrained for longer than the attach takes.
func (r *Registry) Start(cellName string, exe Executable) (int, error) {
	if err := validateCellName(cellName); err != nil {
		return 0, err
	}
	if err := exe.Validate(); err != nil {
		return 0, err
	}

	unlock := r.lock(cellName)
	defer unlock()

	cell := r.get(cellName)
	if cell == nil {
		return 0, cellerr.New(cellerr.NotFound, "cell %s not found", cellName)
	}
	if _, taken := cell.execs[exe.Name]; taken {
		return 0, cellerr.New(cellerr.AlreadyExists, "executable %s already exists in cell %s", exe.Name, cellName)
	}

	ns := cell.spec.Namespaces()
	if err := ns.Check(); err != nil {
		return 0, err
	}

	p, err := spawn(cellName, exe, ns, r.spawnAttr(ns), r.logDir)
	if err != nil {
		return 0, err
	}
	if err := r.backend.Attach(cellName, p.pid); err != nil {
		if stopErr := p.kill(r.grace); stopErr != nil {
			log.Warnf("cell %s: clean up unattached pid %d: %v", cellName, p.pid, stopErr)
		}
		return 0, err
	}

	cell.execs[exe.Name] = p
	log.Infof("cell %s: started executable %s (pid %d)", cellName, exe.Name, p.pid)
	return p.pid, nil
}

// Signal delivers a signal to a tracked executable without touching its
// run-table entry.
func (r *Registry) Signal(cellName, execName string, sig syscall.Signal) error {
	unlock := r.lock(cellName)
	defer unlock()

	p, err := r.findExec(cellName, execName)
	if err != nil {
		return err
	}
	return p.signal(sig)
}

// Stop terminates an executable (SIGTERM, bounded grace, SIGKILL) and drops
// its run-table entry once the process is confirmed reaped.
func (r *Registry) Stop(cellName, execName string) error {
	unlock := r.lock(cellName)
	defer unlock()

	cell := r.get(cellName)
	if cell == nil {
		return cellerr.New(cellerr.NotFound, "cell %s not found", cellName)
	}
	p, tracked := cell.execs[execName]
	if !tracked {
		return cellerr.New(cellerr.NotFound, "executable %s not found in cell %s", execName, cellName)
	}

	if err := p.stop(r.grace); err != nil {
		return err
	}
	delete(cell.execs, execName)
	log.Infof("cell %s: stopped executable %s (%s)", cellName, execName, p.exitStatus())
	return nil
}

// Wait blocks until the executable exits on its own, then drops its
// run-table entry. The per-cell lock is only held to look the entry up and
// to drop it, never across the wait itself.
func (r *Registry) Wait(cellName, execName string) error {
	unlock := r.lock(cellName)
	p, err := r.findExec(cellName, execName)
	unlock()
	if err != nil {
		return err
	}

	if p.cmd != nil {
		<-p.done
	} else {
		for p.alive() {
			time.Sleep(100 * time.Millisecond)
		}
	}

	unlock = r.lock(cellName)
	defer unlock()
	if cell := r.get(cellName); cell != nil && cell.execs[execName] == p {
		delete(cell.execs, execName)
	}
	log.Infof("cell %s: executable %s exited (%s)", cellName, execName, p.exitStatus())
	return nil
}

// Free removes the cell's cgroup node and registry entry. It strictly
// rejects cells that still have running executables; callers stop every
// executable first. Freeing an unknown name reports NotFound, including a
// repeated Free, so a double free is never silent.
func (r *Registry) Free(name string) error {
	unlock := r.lock(name)
	defer unlock()

	cell := r.get(name)
	if cell == nil {
		return cellerr.New(cellerr.NotFound, "cell %s not found", name)
	}
	if len(cell.execs) > 0 {
		return cellerr.New(cellerr.FailedPrecondition, "cell %s still has %d running executables", name, len(cell.execs))
	}

	if err := r.backend.Remove(name); err != nil {
		if cellerr.Is(err, cellerr.NotFound) {
			// The node is already gone; the registry entry is stale either
			// way, so finish the free.
			log.Warnf("cell %s: cgroup node vanished before free", name)
		} else {
			return err
		}
	}
	r.drop(name)
	log.Infof("cell %s: freed", name)
	return nil
}

// findExec resolves a run-table entry under the caller's per-name lock.
func (r *Registry) findExec(cellName, execName string) (*process, error) {
	cell := r.get(cellName)
	if cell == nil {
		return nil, cellerr.New(cellerr.NotFound, "cell %s not found", cellName)
	}
	p, tracked := cell.execs[execName]
	if !tracked {
		return nil, cellerr.New(cellerr.NotFound, "executable %s not found in cell %s", execName, cellName)
	}
	return p, nil
}

// Shutdown frees every cell: idle cells gracefully, then a forced
// kill-and-free pass over whatever remains. Errors are logged, not
// returned; this is the daemon's exit path.
func (r *Registry) Shutdown() {
	for _, name := range r.Names() {
		if err := r.Free(name); err == nil || cellerr.Is(err, cellerr.NotFound) {
			continue
		}
		r.killAll(name)
		if err := r.Free(name); err != nil {
			log.Warnf("cell %s: forced free failed: %v", name, err)
		}
	}
}

// killAll SIGKILLs and reaps every executable of a cell.
func (r *Registry) killAll(name string) {
	unlock := r.lock(name)
	defer unlock()

	cell := r.get(name)
	if cell == nil {
		return
	}
	for execName, p := range cell.execs {
		if err := p.kill(r.grace); err != nil {
			log.Warnf("cell %s: kill executable %s: %v", name, execName, err)
			continue
		}
		delete(cell.execs, execName)
	}
}

// Names returns the live cell names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.cells))
	for name := range r.cells {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecInfo describes one run-table entry for listing.
type ExecInfo struct {
	Name string
	Pid  int
}

// Info is a point-in-time view of a cell.
type Info struct {
	Name        string
	CgroupV2    bool
	Created     time.Time
	Executables []ExecInfo
}

// Running reports the cell's sub-state: a cell with a non-empty run-table is
// running, otherwise idle.
func (i Info) Running() bool {
	return len(i.Executables) > 0
}

// List snapshots every live cell.
func (r *Registry) List() []Info {
	var infos []Info
	for _, name := range r.Names() {
		if info, err := r.Inspect(name); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// Inspect snapshots one cell.
func (r *Registry) Inspect(name string) (Info, error) {
	unlock := r.lock(name)
	defer unlock()

	cell := r.get(name)
	if cell == nil {
		return Info{}, cellerr.New(cellerr.NotFound, "cell %s not found", name)
	}
	info := Info{
		Name:     cell.name,
		CgroupV2: r.backend.V2(),
		Created:  cell.created,
	}
	for execName, p := range cell.execs {
		info.Executables = append(info.Executables, ExecInfo{Name: execName, Pid: p.pid})
	}
	sort.Slice(info.Executables, func(a, b int) bool {
		return info.Executables[a].Name < info.Executables[b].Name
	})
	return info, nil
}

// ReadControllerFile reads back an applied controller file of a cell, e.g.
// "cpuset.cpus".
func (r *Registry) ReadControllerFile(name, file string) (string, error) {
	unlock := r.lock(name)
	defer unlock()

	if r.get(name) == nil {
		return "", cellerr.New(cellerr.NotFound, "cell %s not found", name)
	}
	return r.backend.ReadFile(name, file)
}
