package controllers

import (
	"strconv"
	"strings"

	"cellbox/cellerr"
)

// Cpuset is the declarative cpuset controller config for a cell. Cpus and
// Mems are comma-separated lists of integers and a-b ranges, e.g. "0-3,6".
// An empty string leaves the kernel value untouched.
type Cpuset struct {
	Cpus string
	Mems string
}

func (c *Cpuset) Validate() error {
	if err := validateList("cpuset cpus", c.Cpus); err != nil {
		return err
	}
	return validateList("cpuset mems", c.Mems)
}

// V2Files renders the cgroup v2 interface files this config writes. The v1
// file names carry the same cpuset.* prefix, so V1Files is an alias.
func (c *Cpuset) V2Files() map[string]string {
	files := map[string]string{}
	if c.Cpus != "" {
		files["cpuset.cpus"] = c.Cpus
	}
	if c.Mems != "" {
		files["cpuset.mems"] = c.Mems
	}
	return files
}

func (c *Cpuset) V1Files() map[string]string {
	return c.V2Files()
}

// validateList checks the comma-separated int/range syntax. Overlaps are not
// rejected here; the kernel is the authority on set contents.
func validateList(what, list string) error {
	if list == "" {
		return nil
	}
	for _, part := range strings.Split(list, ",") {
		bounds := strings.SplitN(part, "-", 2)
		lo, err := strconv.Atoi(bounds[0])
		if err != nil || lo < 0 {
			return cellerr.New(cellerr.InvalidArgument, "%s: malformed entry %q in %q", what, part, list)
		}
		if len(bounds) == 1 {
			continue
		}
		hi, err := strconv.Atoi(bounds[1])
		if err != nil || hi < lo {
			return cellerr.New(cellerr.InvalidArgument, "%s: malformed range %q in %q", what, part, list)
		}
	}
	return nil
}
