package controllers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cellbox/cellerr"
)

func u64(v uint64) *uint64 { return &v }
func i64(v int64) *int64   { return &v }

func TestCpuValidate(t *testing.T) {
	tests := []struct {
		name string
		cpu  Cpu
		ok   bool
	}{
		{"empty", Cpu{}, true},
		{"min weight", Cpu{Weight: u64(1)}, true},
		{"max weight", Cpu{Weight: u64(10000)}, true},
		{"weight too small", Cpu{Weight: u64(0)}, false},
		{"weight too large", Cpu{Weight: u64(10001)}, false},
		{"zero max", Cpu{Max: i64(0)}, true},
		{"negative max", Cpu{Max: i64(-1)}, false},
		{"both", Cpu{Weight: u64(100), Max: i64(50000)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cpu.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, cellerr.Is(err, cellerr.InvalidArgument), "got %v", err)
			}
		})
	}
}

func TestSharesFromWeight(t *testing.T) {
	assert.Equal(t, uint64(2), SharesFromWeight(1))
	assert.Equal(t, uint64(262144), SharesFromWeight(10000))

	mid := SharesFromWeight(5000)
	assert.Greater(t, mid, SharesFromWeight(1))
	assert.Less(t, mid, SharesFromWeight(10000))
}

func TestCpuV2Files(t *testing.T) {
	cpu := Cpu{Weight: u64(100), Max: i64(50000)}
	assert.Equal(t, map[string]string{
		"cpu.weight": "100",
		"cpu.max":    "50000 100000",
	}, cpu.V2Files())

	assert.Empty(t, (&Cpu{}).V2Files())
}

func TestCpuV1Files(t *testing.T) {
	cpu := Cpu{Weight: u64(1), Max: i64(50000)}
	assert.Equal(t, map[string]string{
		"cpu.shares":        "2",
		"cpu.cfs_quota_us":  "50000",
		"cpu.cfs_period_us": "100000",
	}, cpu.V1Files())
}
