package controllers

import (
	"fmt"
	"strconv"

	"cellbox/cellerr"
)

const (
	MinWeight uint64 = 1
	MaxWeight uint64 = 10000

	// DefaultPeriod is the scheduling period, in microseconds, that a cpu max
	// limit is accounted against.
	DefaultPeriod int64 = 100000
)

// Cpu is the declarative cpu controller config for a cell. A nil Weight or
// Max means "inherit the cgroup default"; no defaults are injected here.
type Cpu struct {
	// Weight is the relative scheduling weight, in [1, 10000].
	Weight *uint64
	// Max is the maximum run time in microseconds per scheduling period.
	Max *int64
}

func (c *Cpu) Validate() error {
	if c.Weight != nil && (*c.Weight < MinWeight || *c.Weight > MaxWeight) {
		return cellerr.New(cellerr.InvalidArgument, "cpu weight %d out of range [%d, %d]", *c.Weight, MinWeight, MaxWeight)
	}
	if c.Max != nil && *c.Max < 0 {
		return cellerr.New(cellerr.InvalidArgument, "cpu max %d must not be negative", *c.Max)
	}
	return nil
}

// V2Files renders the cgroup v2 interface files this config writes.
func (c *Cpu) V2Files() map[string]string {
	files := map[string]string{}
	if c.Weight != nil {
		files["cpu.weight"] = strconv.FormatUint(*c.Weight, 10)
	}
	if c.Max != nil {
		files["cpu.max"] = fmt.Sprintf("%d %d", *c.Max, DefaultPeriod)
	}
	return files
}

// V1Files renders the cgroup v1 equivalents: weight becomes cpu.shares and
// max becomes a cfs quota against the default period.
func (c *Cpu) V1Files() map[string]string {
	files := map[string]string{}
	if c.Weight != nil {
		files["cpu.shares"] = strconv.FormatUint(SharesFromWeight(*c.Weight), 10)
	}
	if c.Max != nil {
		files["cpu.cfs_quota_us"] = strconv.FormatInt(*c.Max, 10)
		files["cpu.cfs_period_us"] = strconv.FormatInt(DefaultPeriod, 10)
	}
	return files
}

// SharesFromWeight maps a v2 weight in [1, 10000] onto the v1 shares range
// [2, 262144] with the same conversion the kernel community settled on.
func SharesFromWeight(weight uint64) uint64 {
	return 2 + ((weight-1)*262142)/9999
}
