package pod

import (
	"fmt"
	"path"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellbox/cell"
	"cellbox/cellerr"
	"cellbox/cgroups"
)

// failFetcher wraps a LibraryFetcher and fails for one image name.
type failFetcher struct {
	inner Fetcher
	fail  string
}

func (f *failFetcher) Fetch(image, registry, dest string) error {
	if image == f.fail {
		return cellerr.New(cellerr.NotFound, "no bundle for image %s", image)
	}
	return f.inner.Fetch(image, registry, dest)
}

type podFixture struct {
	cells      *cell.Registry
	library    string
	bundleRoot string
}

func newPodFixture(t *testing.T) *podFixture {
	t.Helper()
	return &podFixture{
		cells:      cell.NewRegistry(cell.Config{Backend: cgroups.NewV2(t.TempDir())}),
		library:    t.TempDir(),
		bundleRoot: t.TempDir(),
	}
}

func (f *podFixture) manager(t *testing.T, fetcher Fetcher) *Manager {
	t.Helper()
	if fetcher == nil {
		fetcher = &LibraryFetcher{DefaultRegistry: f.library}
	}
	m, err := NewManager(Config{
		Cells:      f.cells,
		Fetcher:    fetcher,
		BundleRoot: f.bundleRoot,
	})
	require.NoError(t, err)
	return m
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"valid", Spec{Name: "p", Containers: []Container{{Name: "a", Image: "busybox"}}}, true},
		{"no name", Spec{Containers: []Container{{Name: "a", Image: "busybox"}}}, false},
		{"no containers", Spec{Name: "p"}, false},
		{"unnamed container", Spec{Name: "p", Containers: []Container{{Image: "busybox"}}}, false},
		{"no image", Spec{Name: "p", Containers: []Container{{Name: "a"}}}, false},
		{
			"duplicate container",
			Spec{Name: "p", Containers: []Container{{Name: "a", Image: "x"}, {Name: "a", Image: "y"}}},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, cellerr.Is(err, cellerr.InvalidArgument), "got %v", err)
			}
		})
	}
}

func TestAllocateAndFree(t *testing.T) {
	f := newPodFixture(t)
	writeBundle(t, path.Join(f.library, "busybox"), "sleep", "30")
	m := f.manager(t, nil)

	spec := Spec{Name: "web", Containers: []Container{{Name: "app", Image: "busybox"}}}
	require.NoError(t, m.Allocate(spec))
	assert.Equal(t, []string{"web"}, m.Names())
	assert.FileExists(t, path.Join(f.bundleRoot, "web", "app", bundleConfigName))

	// The pod is backed by one cell of the same name.
	info, err := f.cells.Inspect("web")
	require.NoError(t, err)
	assert.Equal(t, "web", info.Name)

	require.NoError(t, m.Free("web"))
	assert.Empty(t, m.Names())
	assert.NoDirExists(t, path.Join(f.bundleRoot, "web"))
	_, err = f.cells.Inspect("web")
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}

func TestAllocateDuplicate(t *testing.T) {
	f := newPodFixture(t)
	writeBundle(t, path.Join(f.library, "busybox"), "sh")
	m := f.manager(t, nil)

	spec := Spec{Name: "web", Containers: []Container{{Name: "app", Image: "busybox"}}}
	require.NoError(t, m.Allocate(spec))

	err := m.Allocate(spec)
	assert.True(t, cellerr.Is(err, cellerr.AlreadyExists), "got %v", err)
}

func TestAllocateRollsBackOnFetchFailure(t *testing.T) {
	f := newPodFixture(t)
	writeBundle(t, path.Join(f.library, "busybox"), "sh")
	m := f.manager(t, &failFetcher{
		inner: &LibraryFetcher{DefaultRegistry: f.library},
		fail:  "broken",
	})

	spec := Spec{Name: "web", Containers: []Container{
		{Name: "app", Image: "busybox"},
		{Name: "sidecar", Image: "broken"},
	}}
	err := m.Allocate(spec)
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)

	// Nothing half-allocated survives the failure.
	assert.Empty(t, m.Names())
	assert.NoDirExists(t, path.Join(f.bundleRoot, "web"))
	_, err = f.cells.Inspect("web")
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}

func TestFreeUnknown(t *testing.T) {
	f := newPodFixture(t)
	m := f.manager(t, nil)
	err := m.Free("ghost")
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}

func TestStopUnknownContainer(t *testing.T) {
	f := newPodFixture(t)
	writeBundle(t, path.Join(f.library, "busybox"), "sh")
	m := f.manager(t, nil)

	spec := Spec{Name: "web", Containers: []Container{{Name: "app", Image: "busybox"}}}
	require.NoError(t, m.Allocate(spec))

	err := m.Stop("web", "ghost")
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
	err = m.Stop("ghost", "app")
	assert.True(t, cellerr.Is(err, cellerr.NotFound), "got %v", err)
}

func TestPodsSurviveManagerRestart(t *testing.T) {
	f := newPodFixture(t)
	writeBundle(t, path.Join(f.library, "busybox"), "sh")

	first := f.manager(t, nil)
	spec := Spec{Name: "web", Containers: []Container{{Name: "app", Image: "busybox"}}}
	require.NoError(t, first.Allocate(spec))

	second := f.manager(t, nil)
	assert.Equal(t, []string{"web"}, second.Names())
}

func TestConcurrentPodOps(t *testing.T) {
	f := newPodFixture(t)
	writeBundle(t, path.Join(f.library, "busybox"), "sh")
	m := f.manager(t, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			spec := Spec{
				Name:       fmt.Sprintf("pod-%d", i),
				Containers: []Container{{Name: "app", Image: "busybox"}},
			}
			errs <- m.Allocate(spec)
			// Listing races the allocates over the shared pod state.
			m.Names()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, m.Names(), n)
}

func TestAllocateRejectsNetworkWithoutManager(t *testing.T) {
	f := newPodFixture(t)
	m := f.manager(t, nil)

	spec := Spec{
		Name:       "web",
		Network:    "bridge0",
		Containers: []Container{{Name: "app", Image: "busybox"}},
	}
	err := m.Allocate(spec)
	assert.True(t, cellerr.Is(err, cellerr.InvalidArgument), "got %v", err)
}
