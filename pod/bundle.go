package pod

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"cellbox/cellerr"
)

// Fetcher materializes a container's OCI bundle on disk. Image retrieval and
// registry resolution live outside this module; the pod manager only ever
// sees the interface.
type Fetcher interface {
	// Fetch resolves image against the registry base and materializes the
	// bundle at dest. dest's parent directory exists; dest does not.
	Fetch(image, registry, dest string) error
}

// LibraryFetcher resolves images against a local bundle library: image "x"
// under registry base "/var/lib/cellbox/library" is the bundle directory
// /var/lib/cellbox/library/x. Fetched bundles are linked, not copied.
type LibraryFetcher struct {
	// DefaultRegistry is used when a container names no registry base.
	DefaultRegistry string
}

func (f *LibraryFetcher) Fetch(image, registry, dest string) error {
	if registry == "" {
		registry = f.DefaultRegistry
	}
	if registry == "" {
		return cellerr.New(cellerr.InvalidArgument, "no registry base for image %s", image)
	}
	src := path.Join(registry, image)
	if _, err := os.Stat(path.Join(src, bundleConfigName)); err != nil {
		return cellerr.New(cellerr.NotFound, "no bundle for image %s under %s", image, registry)
	}
	if err := os.Symlink(src, dest); err != nil {
		return cellerr.Wrap(cellerr.Internal, err, "link bundle for image %s", image)
	}
	return nil
}

const bundleConfigName = "config.json"

// loadBundleConfig reads and checks the OCI runtime config of a bundle.
func loadBundleConfig(bundleDir string) (*specs.Spec, error) {
	content, err := ioutil.ReadFile(path.Join(bundleDir, bundleConfigName))
	if err != nil {
		return nil, cellerr.Wrap(cellerr.Internal, err, "read bundle config in %s", bundleDir)
	}
	var spec specs.Spec
	if err := json.Unmarshal(content, &spec); err != nil {
		return nil, cellerr.Wrap(cellerr.InvalidArgument, err, "parse bundle config in %s", bundleDir)
	}
	if spec.Process == nil || len(spec.Process.Args) == 0 {
		return nil, cellerr.New(cellerr.InvalidArgument, "bundle in %s has no process args", bundleDir)
	}
	return &spec, nil
}

// entrypoint renders the bundle's process args as the shell command the cell
// supervisor runs.
func entrypoint(spec *specs.Spec) string {
	return strings.Join(spec.Process.Args, " ")
}

// removeBundle drops a fetched bundle. RemoveAll does not follow symlinks,
// so a linked library bundle survives its pod.
func removeBundle(dest string) error {
	return os.RemoveAll(dest)
}
