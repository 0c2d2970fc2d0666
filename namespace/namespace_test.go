package namespace

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneflags(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want uintptr
	}{
		{"none", Spec{}, syscall.CLONE_NEWCGROUP},
		{
			"process",
			Spec{IsolateProcess: true},
			syscall.CLONE_NEWCGROUP | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS | syscall.CLONE_NEWNS,
		},
		{
			"network",
			Spec{IsolateNetwork: true},
			syscall.CLONE_NEWCGROUP | syscall.CLONE_NEWNET,
		},
		{
			"both",
			Spec{IsolateProcess: true, IsolateNetwork: true},
			syscall.CLONE_NEWCGROUP | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS | syscall.CLONE_NEWNS | syscall.CLONE_NEWNET,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.spec.Cloneflags())
		})
	}
}

func TestCheck(t *testing.T) {
	// Any modern kernel carries every namespace type.
	assert.NoError(t, Spec{IsolateProcess: true, IsolateNetwork: true}.Check())
}

func TestSysProcAttr(t *testing.T) {
	attr := Spec{IsolateNetwork: true}.SysProcAttr()
	assert.True(t, attr.Setpgid)
	assert.Equal(t, Spec{IsolateNetwork: true}.Cloneflags(), attr.Cloneflags)
}
