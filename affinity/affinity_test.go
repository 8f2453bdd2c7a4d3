package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCPUFor(t *testing.T) {
	_, ok := CPUFor(nil, 0)
	assert.False(t, ok)

	cpus := []int{2, 5}
	for idx, want := range []int{2, 5, 2, 5} {
		got, ok := CPUFor(cpus, idx)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestSetAffinityRejectsOutOfRange(t *testing.T) {
	assert.Error(t, SetAffinity(-1))
	assert.Error(t, SetAffinity(1<<20))
}
