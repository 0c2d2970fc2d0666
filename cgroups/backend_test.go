package cgroups

import (
	"os"
	"path"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellbox/cellerr"
	"cellbox/cgroups/controllers"
)

// stalePid is far above any live process on a test host.
const stalePid = 999999999

func u64(v uint64) *uint64 { return &v }
func i64(v int64) *int64   { return &v }

func TestV2CreateExistsRemove(t *testing.T) {
	b := NewV2(t.TempDir())
	assert.True(t, b.V2())
	assert.False(t, b.Exists("demo"))

	require.NoError(t, b.Create("demo"))
	assert.True(t, b.Exists("demo"))

	err := b.Create("demo")
	assert.True(t, cellerr.Is(err, cellerr.AlreadyExists), "got %v", err)

	require.NoError(t, b.Remove("demo"))
	assert.False(t, b.Exists("demo"))

	err = b.Remove("demo")
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}

func TestV2ApplyCpu(t *testing.T) {
	b := NewV2(t.TempDir())
	require.NoError(t, b.Create("demo"))

	cpu := &controllers.Cpu{Weight: u64(100), Max: i64(50000)}
	require.NoError(t, b.ApplyCpu("demo", cpu))

	weight, err := b.ReadFile("demo", "cpu.weight")
	require.NoError(t, err)
	assert.Equal(t, "100", weight)

	max, err := b.ReadFile("demo", "cpu.max")
	require.NoError(t, err)
	assert.Equal(t, "50000 100000", max)
}

func TestV2ApplyRejectsBadConfig(t *testing.T) {
	b := NewV2(t.TempDir())
	require.NoError(t, b.Create("demo"))

	err := b.ApplyCpu("demo", &controllers.Cpu{Weight: u64(0)})
	assert.True(t, cellerr.Is(err, cellerr.InvalidArgument), "got %v", err)

	err = b.ApplyCpuset("demo", &controllers.Cpuset{Cpus: "bad"})
	assert.True(t, cellerr.Is(err, cellerr.InvalidArgument), "got %v", err)
}

func TestV2ApplyMissingNode(t *testing.T) {
	b := NewV2(t.TempDir())
	err := b.ApplyCpuset("ghost", &controllers.Cpuset{Cpus: "0-3"})
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}

func TestV2AttachAndPids(t *testing.T) {
	b := NewV2(t.TempDir())
	require.NoError(t, b.Create("demo"))

	require.NoError(t, b.Attach("demo", 42))
	pids, err := b.Pids("demo")
	require.NoError(t, err)
	assert.Equal(t, []int{42}, pids)

	err = b.Attach("ghost", 42)
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}

func TestV2RemoveRefusesLivePids(t *testing.T) {
	b := NewV2(t.TempDir())
	require.NoError(t, b.Create("demo"))
	require.NoError(t, b.Attach("demo", os.Getpid()))

	err := b.Remove("demo")
	assert.True(t, cellerr.Is(err, cellerr.FailedPrecondition), "got %v", err)
}

func TestV2RemoveIgnoresStalePids(t *testing.T) {
	b := NewV2(t.TempDir())
	require.NoError(t, b.Create("demo"))
	require.NoError(t, b.Attach("demo", stalePid))

	assert.NoError(t, b.Remove("demo"))
}

func newTestV1(t *testing.T) (*V1, map[string]string) {
	t.Helper()
	mounts := map[string]string{}
	for _, subsystem := range v1Subsystems {
		dir := path.Join(t.TempDir(), subsystem)
		require.NoError(t, os.MkdirAll(dir, 0755))
		mounts[subsystem] = dir
	}
	return NewV1(mounts), mounts
}

func TestV1CreateInheritsCpuset(t *testing.T) {
	b, mounts := newTestV1(t)
	require.NoError(t, os.WriteFile(path.Join(mounts["cpuset"], "cpuset.cpus"), []byte("0-3\n"), 0644))
	require.NoError(t, os.WriteFile(path.Join(mounts["cpuset"], "cpuset.mems"), []byte("0\n"), 0644))

	assert.False(t, b.V2())
	require.NoError(t, b.Create("demo"))
	for _, subsystem := range v1Subsystems {
		assert.DirExists(t, path.Join(mounts[subsystem], "demo"))
	}

	cpus, err := b.ReadFile("demo", "cpuset.cpus")
	require.NoError(t, err)
	assert.Equal(t, "0-3", cpus)

	err = b.Create("demo")
	assert.True(t, cellerr.Is(err, cellerr.AlreadyExists), "got %v", err)
}

func TestV1ApplyCpu(t *testing.T) {
	b, _ := newTestV1(t)
	require.NoError(t, b.Create("demo"))

	cpu := &controllers.Cpu{Weight: u64(10000), Max: i64(20000)}
	require.NoError(t, b.ApplyCpu("demo", cpu))

	shares, err := b.ReadFile("demo", "cpu.shares")
	require.NoError(t, err)
	assert.Equal(t, "262144", shares)

	quota, err := b.ReadFile("demo", "cpu.cfs_quota_us")
	require.NoError(t, err)
	assert.Equal(t, "20000", quota)
}

func TestV1AttachAndPids(t *testing.T) {
	b, mounts := newTestV1(t)
	require.NoError(t, b.Create("demo"))
	require.NoError(t, b.Attach("demo", 42))

	for _, subsystem := range v1Subsystems {
		content, err := os.ReadFile(path.Join(mounts[subsystem], "demo", "tasks"))
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(42), string(content))
	}

	pids, err := b.Pids("demo")
	require.NoError(t, err)
	assert.Equal(t, []int{42}, pids)
}

func TestV1Remove(t *testing.T) {
	b, _ := newTestV1(t)
	require.NoError(t, b.Create("demo"))
	require.NoError(t, b.Attach("demo", os.Getpid()))

	err := b.Remove("demo")
	assert.True(t, cellerr.Is(err, cellerr.FailedPrecondition), "got %v", err)

	require.NoError(t, b.Attach("demo", stalePid))
	// Fake tasks files are plain files; overwrite drops the live pid.
	assert.NoError(t, b.Remove("demo"))
	assert.False(t, b.Exists("demo"))
}

func TestV1ReadFileRoutesBySubsystem(t *testing.T) {
	b, _ := newTestV1(t)
	require.NoError(t, b.Create("demo"))
	require.NoError(t, b.ApplyCpuset("demo", &controllers.Cpuset{Cpus: "1,3"}))

	cpus, err := b.ReadFile("demo", "cpuset.cpus")
	require.NoError(t, err)
	assert.Equal(t, "1,3", cpus)

	_, err = b.ReadFile("demo", "memory.limit_in_bytes")
	assert.True(t, cellerr.Is(err, cellerr.InvalidArgument), "got %v", err)
}
