package worker

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// Preflight checks system headroom before a spawn. Spawning an LLM CLI on
// a box that is already swapping produces timeouts that look like worker
// bugs, so the supervisor refuses instead.
type Preflight struct {
	Enabled         bool
	MinFreeMemoryMB uint64
}

// DefaultPreflight returns the default preflight policy.
func DefaultPreflight() Preflight {
	return Preflight{Enabled: true, MinFreeMemoryMB: 256}
}

// Check returns an error when the host lacks headroom for another worker.
func (p Preflight) Check() error {
	if !p.Enabled {
		return nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		// Metrics unavailability is not a reason to block work.
		return nil
	}
	availMB := vm.Available / (1 << 20)
	if availMB < p.MinFreeMemoryMB {
		return fmt.Errorf("insufficient free memory: %d MiB available, %d MiB required", availMB, p.MinFreeMemoryMB)
	}
	return nil
}
