//go:build linux

package process

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinThread
// restricts the calling OS thread to one CPU, index wraps around the CPU count.
// The caller must hold runtime.LockOSThread for the pin to stay with its goroutine.
func PinThread(index int) (cpu int, err error) {
	var mask unix.CPUSet
	mask.Zero()

	cpu = index % runtime.NumCPU()
	mask.Set(cpu)

	if err = unix.SchedSetaffinity(0, &mask); err != nil {
		err = fmt.Errorf("SchedSetaffinity: %w, %v", err, mask)
		return
	}
	return
}

// ThreadCPUs
// CPUs the calling OS thread may run on.
func ThreadCPUs() ([]int, error) {
	var mask unix.CPUSet
	if err := unix.SchedGetaffinity(0, &mask); err != nil {
		return nil, fmt.Errorf("SchedGetaffinity: %w", err)
	}
	cpus := make([]int, 0, mask.Count())
	for i := 0; i < runtime.NumCPU(); i++ {
		if mask.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
