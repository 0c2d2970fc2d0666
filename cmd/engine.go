package cmd

import (
	log "github.com/sirupsen/logrus"

	"cellbox/cell"
	"cellbox/cellerr"
	"cellbox/cgroups"
)

// engine bundles the cell registry with its record store. Every command
// builds one, so cells allocated by an earlier invocation are visible here.
type engine struct {
	cells *cell.Registry
	store *cell.Store
}

func newEngine() (*engine, error) {
	backend, err := cgroups.Probe()
	if err != nil {
		return nil, err
	}
	e := &engine{
		cells: cell.NewRegistry(cell.Config{
			Backend: backend,
			LogDir:  cell.DefaultStoreRoot,
		}),
		store: cell.NewStore(""),
	}
	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

// restore replays persisted records into the registry. Records whose cgroup
// node is gone are stale and get pruned; the cgroup filesystem is the truth.
func (e *engine) restore() error {
	records, err := e.store.List()
	if err != nil {
		return err
	}
	for _, rec := range records {
		err := e.cells.Restore(rec)
		switch {
		case err == nil:
		case cellerr.Is(err, cellerr.NotFound):
			log.Debugf("prune stale record for cell %s", rec.Name)
			if err := e.store.Delete(rec.Name); err != nil {
				log.Warnf("prune record for cell %s: %v", rec.Name, err)
			}
		default:
			return err
		}
	}
	return nil
}

// persist writes the cell's current state back to the store.
func (e *engine) persist(name string) error {
	rec, err := e.cells.Snapshot(name)
	if err != nil {
		return err
	}
	return e.store.Save(rec)
}

func (e *engine) forget(name string) error {
	return e.store.Delete(name)
}
