// control/probes.go
// Author: momentics <momentics@gmail.com>
//
// Named state probes dumped by the admin endpoint.

package control

import (
	"fmt"
	"sort"
	"sync"
)

// Probes holds registered probe functions.
type Probes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewProbes creates an empty probe registry.
func NewProbes() *Probes {
	return &Probes{
		probes: make(map[string]func() any),
	}
}

// Register inserts or replaces a named probe.
func (p *Probes) Register(name string, fn func() any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[name] = fn
}

// Names returns the registered probe names in sorted order.
func (p *Probes) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.probes))
	for name := range p.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dump evaluates every probe. A panicking probe reports the panic as its
// value instead of failing the dump.
func (p *Probes) Dump() map[string]any {
	p.mu.RLock()
	fns := make(map[string]func() any, len(p.probes))
	for k, fn := range p.probes {
		fns[k] = fn
	}
	p.mu.RUnlock()

	out := make(map[string]any, len(fns))
	for k, fn := range fns {
		out[k] = evaluate(fn)
	}
	return out
}

func evaluate(fn func() any) (v any) {
	defer func() {
		if r := recover(); r != nil {
			v = fmt.Sprintf("probe panicked: %v", r)
		}
	}()
	return fn()
}
