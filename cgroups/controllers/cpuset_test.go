package controllers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cellbox/cellerr"
)

func TestCpusetValidate(t *testing.T) {
	tests := []struct {
		name string
		cpus string
		ok   bool
	}{
		{"empty", "", true},
		{"single", "0", true},
		{"list", "0,2,4", true},
		{"range", "0-3", true},
		{"mixed", "0-3,6,8-9", true},
		{"garbage", "zero", false},
		{"negative", "-1", false},
		{"inverted range", "3-0", false},
		{"trailing comma", "0,", false},
		{"open range", "0-", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Cpuset{Cpus: tt.cpus}).Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, cellerr.Is(err, cellerr.InvalidArgument), "got %v", err)
			}
		})
	}
}

func TestCpusetFiles(t *testing.T) {
	set := Cpuset{Cpus: "0-3", Mems: "0"}
	want := map[string]string{
		"cpuset.cpus": "0-3",
		"cpuset.mems": "0",
	}
	assert.Equal(t, want, set.V2Files())
	assert.Equal(t, want, set.V1Files())
	assert.Empty(t, (&Cpuset{}).V2Files())
}
