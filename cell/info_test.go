package cell

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellbox/cellerr"
	"cellbox/cgroups"
	"cellbox/cgroups/controllers"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	rec := &Record{
		Name:        "demo",
		CgroupV2:    true,
		CpuWeight:   u64(100),
		CpusetCpus:  "0-3",
		CreatedTime: time.Now().Format("2006-01-02 15:04:05"),
		Executables: map[string]ExecRecord{
			"job": {Pid: 42, Command: "sleep 30"},
		},
	}
	require.NoError(t, store.Save(rec))

	loaded, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)

	recs, err := store.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "demo", recs[0].Name)

	require.NoError(t, store.Delete("demo"))
	_, err = store.Load("demo")
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load("ghost")
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)

	recs, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSnapshotCarriesSpecAndExecutables(t *testing.T) {
	r := newTestRegistry(t)
	spec := Spec{
		Cpu:    &controllers.Cpu{Weight: u64(500)},
		Cpuset: &controllers.Cpuset{Cpus: "0-1"},
	}
	_, err := r.Allocate("demo", spec)
	require.NoError(t, err)

	pid, err := r.Start("demo", Executable{Name: "sleeper", Command: "sleep 30", Description: "background job"})
	require.NoError(t, err)
	defer r.Stop("demo", "sleeper")

	rec, err := r.Snapshot("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", rec.Name)
	assert.True(t, rec.CgroupV2)
	require.NotNil(t, rec.CpuWeight)
	assert.Equal(t, uint64(500), *rec.CpuWeight)
	assert.Equal(t, "0-1", rec.CpusetCpus)
	require.Contains(t, rec.Executables, "sleeper")
	assert.Equal(t, pid, rec.Executables["sleeper"].Pid)
	assert.Equal(t, "sleep 30", rec.Executables["sleeper"].Command)
	assert.Equal(t, "background job", rec.Executables["sleeper"].Description)
}

func TestSnapshotUnknownCell(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Snapshot("ghost")
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}

func TestRestoreAdoptsLiveExecutables(t *testing.T) {
	backend := cgroups.NewV2(t.TempDir())
	first := NewRegistry(Config{Backend: backend})
	first.spawnAttr = plainSpawnAttr

	_, err := first.Allocate("demo", Spec{})
	require.NoError(t, err)
	pid, err := first.Start("demo", Executable{Name: "sleeper", Command: "sleep 30"})
	require.NoError(t, err)

	rec, err := first.Snapshot("demo")
	require.NoError(t, err)
	// A dead pid on top of the live one; restore must drop it.
	rec.Executables["gone"] = ExecRecord{Pid: 999999999, Command: "true"}

	second := NewRegistry(Config{Backend: backend})
	require.NoError(t, second.Restore(rec))

	info, err := second.Inspect("demo")
	require.NoError(t, err)
	require.Len(t, info.Executables, 1)
	assert.Equal(t, "sleeper", info.Executables[0].Name)
	assert.Equal(t, pid, info.Executables[0].Pid)

	require.NoError(t, second.Stop("demo", "sleeper"))
	require.NoError(t, second.Free("demo"))
}

func TestRestoreRejectsLiveCell(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Allocate("demo", Spec{})
	require.NoError(t, err)

	rec, err := r.Snapshot("demo")
	require.NoError(t, err)
	err = r.Restore(rec)
	assert.True(t, cellerr.Is(err, cellerr.AlreadyExists), "got %v", err)
}

func TestRestorePrunesStaleRecord(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Restore(&Record{Name: "gone", CreatedTime: "2026-01-01 00:00:00"})
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}
