// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_stub.go) guarded by build tags.

package affinity

import (
	"fmt"
	"runtime"
)

// SetAffinity pins the calling OS thread to a given logical CPU. The caller
// must have locked its goroutine to the thread (runtime.LockOSThread),
// otherwise the scheduler may move it elsewhere right away.
func SetAffinity(cpuID int) error {
	if cpuID < 0 || cpuID >= runtime.NumCPU() {
		return fmt.Errorf("affinity: cpu %d out of range [0,%d)", cpuID, runtime.NumCPU())
	}
	return setAffinityPlatform(cpuID)
}

// CPUFor picks the CPU for worker idx from a configured list, cycling when
// there are more workers than CPUs. ok is false when cpus is empty.
func CPUFor(cpus []int, idx int) (cpu int, ok bool) {
	if len(cpus) == 0 || idx < 0 {
		return 0, false
	}
	return cpus[idx%len(cpus)], true
}
