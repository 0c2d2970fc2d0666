package cell

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"cellbox/cellerr"
	"cellbox/cgroups/controllers"
	"cellbox/util"
)

const (
	// DefaultStoreRoot is where cell records live, one directory per cell.
	DefaultStoreRoot = "/var/run/cellbox/cells"
	recordFileName   = "config.json"
	createdLayout    = "2006-01-02 15:04:05"
)

// ExecRecord is the persisted form of one run-table entry.
type ExecRecord struct {
	Pid         int    `json:"pid"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
}

// Record is the persisted form of a cell, written after every mutating
// operation so one-shot invocations can find cells allocated by earlier
// ones. The cgroup filesystem stays the durable truth; a record whose node
// is gone is stale and gets pruned on restore.
type Record struct {
	Name           string                `json:"name"`
	CgroupV2       bool                  `json:"cgroupV2"`
	CpuWeight      *uint64               `json:"cpuWeight,omitempty"`
	CpuMax         *int64                `json:"cpuMax,omitempty"`
	CpusetCpus     string                `json:"cpusetCpus,omitempty"`
	CpusetMems     string                `json:"cpusetMems,omitempty"`
	IsolateProcess bool                  `json:"isolateProcess"`
	IsolateNetwork bool                  `json:"isolateNetwork"`
	CreatedTime    string                `json:"createdTime"`
	Executables    map[string]ExecRecord `json:"executables,omitempty"`
}

func (rec *Record) spec() Spec {
	spec := Spec{
		IsolateProcess: rec.IsolateProcess,
		IsolateNetwork: rec.IsolateNetwork,
	}
	if rec.CpuWeight != nil || rec.CpuMax != nil {
		spec.Cpu = &controllers.Cpu{Weight: rec.CpuWeight, Max: rec.CpuMax}
	}
	if rec.CpusetCpus != "" || rec.CpusetMems != "" {
		spec.Cpuset = &controllers.Cpuset{Cpus: rec.CpusetCpus, Mems: rec.CpusetMems}
	}
	return spec
}

// Store reads and writes cell records under Root.
type Store struct {
	Root string
}

func NewStore(root string) *Store {
	if root == "" {
		root = DefaultStoreRoot
	}
	return &Store{Root: root}
}

func (s *Store) recordDir(name string) string {
	return path.Join(s.Root, name)
}

func (s *Store) Save(rec *Record) error {
	content, err := json.Marshal(rec)
	if err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "marshal record of cell %s", rec.Name)
	}
	dir := s.recordDir(rec.Name)
	if !util.PathExists(dir) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return cellerr.Wrap(cellerr.Internal, err, "create record dir of cell %s", rec.Name)
		}
	}
	if err := ioutil.WriteFile(path.Join(dir, recordFileName), content, 0644); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "write record of cell %s", rec.Name)
	}
	return nil
}

func (s *Store) Load(name string) (*Record, error) {
	content, err := ioutil.ReadFile(path.Join(s.recordDir(name), recordFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cellerr.New(cellerr.NotFound, "no record for cell %s", name)
		}
		return nil, cellerr.Wrap(cellerr.Internal, err, "read record of cell %s", name)
	}
	var rec Record
	if err := json.Unmarshal(content, &rec); err != nil {
		return nil, cellerr.Wrap(cellerr.Internal, err, "parse record of cell %s", name)
	}
	return &rec, nil
}

func (s *Store) List() ([]*Record, error) {
	if !util.PathExists(s.Root) {
		return nil, nil
	}
	entries, err := ioutil.ReadDir(s.Root)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.Internal, err, "list cell records")
	}
	var recs []*Record
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.Load(entry.Name())
		if err != nil {
			log.Warnf("skip unreadable record %s: %v", entry.Name(), err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) Delete(name string) error {
	if err := os.RemoveAll(s.recordDir(name)); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "delete record of cell %s", name)
	}
	return nil
}

// Snapshot renders a live cell as a persistable record.
func (r *Registry) Snapshot(name string) (*Record, error) {
	unlock := r.lock(name)
	defer unlock()

	cell := r.get(name)
	if cell == nil {
		return nil, cellerr.New(cellerr.NotFound, "cell %s not found", name)
	}
	rec := &Record{
		Name:           cell.name,
		CgroupV2:       r.backend.V2(),
		IsolateProcess: cell.spec.IsolateProcess,
		IsolateNetwork: cell.spec.IsolateNetwork,
		CreatedTime:    cell.created.Format(createdLayout),
		Executables:    map[string]ExecRecord{},
	}
	if cell.spec.Cpu != nil {
		rec.CpuWeight = cell.spec.Cpu.Weight
		rec.CpuMax = cell.spec.Cpu.Max
	}
	if cell.spec.Cpuset != nil {
		rec.CpusetCpus = cell.spec.Cpuset.Cpus
		rec.CpusetMems = cell.spec.Cpuset.Mems
	}
	for execName, p := range cell.execs {
		rec.Executables[execName] = ExecRecord{
			Pid:         p.pid,
			Command:     p.command,
			Description: p.description,
		}
	}
	return rec, nil
}

// Restore registers a cell from a persisted record. The cgroup node must
// still exist; a NotFound tells the caller to prune the stale record.
// Executables are adopted by pid; entries whose process exited while
// untracked are dropped with a warning.
func (r *Registry) Restore(rec *Record) error {
	if err := validateCellName(rec.Name); err != nil {
		return err
	}

	unlock := r.lock(rec.Name)
	defer unlock()

	if r.get(rec.Name) != nil {
		return cellerr.New(cellerr.AlreadyExists, "cell %s already exists", rec.Name)
	}
	if !r.backend.Exists(rec.Name) {
		return cellerr.New(cellerr.NotFound, "cgroup node of cell %s is gone", rec.Name)
	}

	created, err := time.Parse(createdLayout, rec.CreatedTime)
	if err != nil {
		created = time.Now()
	}
	cell := newCell(rec.Name, rec.spec(), created)
	for execName, er := range rec.Executables {
		p := adopt(er.Pid, er.Command, er.Description)
		if !p.alive() {
			log.Warnf("cell %s: executable %s (pid %d) exited while untracked", rec.Name, execName, er.Pid)
			continue
		}
		cell.execs[execName] = p
	}
	r.put(cell)
	return nil
}
