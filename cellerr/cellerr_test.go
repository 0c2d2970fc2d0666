package cellerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCarriesCode(t *testing.T) {
	err := New(NotFound, "cell %s not found", "demo")
	assert.Equal(t, NotFound, CodeOf(err))
	assert.Equal(t, "not found: cell demo not found", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := Wrap(Internal, cause, "write cgroup.procs")
	assert.Equal(t, Internal, CodeOf(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "permission denied")
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))
}

func TestCodeSurvivesWrapping(t *testing.T) {
	err := New(AlreadyExists, "cell demo already exists")
	wrapped := fmt.Errorf("allocate: %w", err)
	assert.Equal(t, AlreadyExists, CodeOf(wrapped))
	assert.True(t, Is(wrapped, AlreadyExists))
}

func TestIs(t *testing.T) {
	assert.False(t, Is(nil, NotFound))
	assert.True(t, Is(New(FailedPrecondition, "busy"), FailedPrecondition))
	assert.False(t, Is(New(FailedPrecondition, "busy"), NotFound))
}
