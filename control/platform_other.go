//go:build !linux

// control/platform_other.go
// Author: momentics <momentics@gmail.com>

package control

import "runtime"

// RegisterPlatformProbes adds process-level probes.
func RegisterPlatformProbes(p *Probes) {
	p.Register("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	p.Register("platform.goroutines", func() any {
		return runtime.NumGoroutine()
	})
}
