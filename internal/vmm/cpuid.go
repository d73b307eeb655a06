package vmm

import "github.com/tinyrange/uhyve/internal/hv"

const (
	cpuidFeatureInfo = 0x01
	cpuidPerfMon     = 0x0a

	// CPUID.01H:ECX[31] is reserved for hypervisors to report themselves.
	cpuidECXHypervisor = 1 << 31
	// CPUID.01H:EDX[5] advertises RDMSR/WRMSR.
	cpuidEDXMSR = 1 << 5
)

// FilterCPUID returns the feature set shown to the guest. The guest is told
// it runs under a hypervisor, MSR support is forced on and the architectural
// performance monitoring leaf is cleared so the guest never programs
// counters the host does not virtualize. Every other entry is copied
// unchanged. The input slice is not modified.
func FilterCPUID(entries []hv.CPUIDEntry) []hv.CPUIDEntry {
	out := make([]hv.CPUIDEntry, len(entries))
	copy(out, entries)

	for i := range out {
		e := &out[i]
		switch e.Function {
		case cpuidFeatureInfo:
			e.ECX |= cpuidECXHypervisor
			e.EDX |= cpuidEDXMSR
		case cpuidPerfMon:
			// disable it
			e.EAX = 0
		}
	}

	return out
}
