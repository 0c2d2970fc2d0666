package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmap(t *testing.T) {
	bitmap := NewBitmap(3)

	for want := uint64(0); want < 3; want++ {
		got, ok := bitmap.GetAvailableAndSet()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := bitmap.GetAvailableAndSet()
	assert.False(t, ok)

	bitmap.Remove(1)
	got, ok := bitmap.GetAvailableAndSet()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), got)
}

func TestRandString(t *testing.T) {
	s, err := RandString(10)
	assert.NoError(t, err)
	assert.Len(t, s, 10)

	_, err = RandString(0)
	assert.Error(t, err)
}
