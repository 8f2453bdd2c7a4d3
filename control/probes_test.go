package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbesDump(t *testing.T) {
	p := NewProbes()
	p.Register("b", func() any { return 2 })
	p.Register("a", func() any { return "one" })
	p.Register("boom", func() any { panic("nope") })

	assert.Equal(t, []string{"a", "b", "boom"}, p.Names())

	state := p.Dump()
	require.Len(t, state, 3)
	assert.Equal(t, "one", state["a"])
	assert.Equal(t, 2, state["b"])
	assert.Equal(t, "probe panicked: nope", state["boom"])

	p.Register("b", func() any { return 3 })
	assert.Equal(t, 3, p.Dump()["b"])
}

func TestPlatformProbes(t *testing.T) {
	p := NewProbes()
	RegisterPlatformProbes(p)
	state := p.Dump()
	assert.Positive(t, state["platform.cpus"])
	assert.Positive(t, state["platform.goroutines"])
}
