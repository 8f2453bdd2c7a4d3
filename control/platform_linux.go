//go:build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific platform probes.

package control

import (
	"os"
	"runtime"
)

// RegisterPlatformProbes adds process-level probes.
func RegisterPlatformProbes(p *Probes) {
	p.Register("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	p.Register("platform.goroutines", func() any {
		return runtime.NumGoroutine()
	})
	p.Register("platform.open_fds", func() any {
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			return -1
		}
		return len(entries)
	})
}
