//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"
)

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}

	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

// cpuidBuffer is a kvm_cpuid2 header followed by its entry array, laid out
// contiguously as the ioctl expects.
type cpuidBuffer struct {
	data []byte
}

func newCPUIDBuffer(n int) *cpuidBuffer {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*uintptr(n)
	b := &cpuidBuffer{data: make([]byte, size)}
	b.header().Nr = uint32(n)
	return b
}

func (b *cpuidBuffer) header() *kvmCPUID2 {
	return (*kvmCPUID2)(unsafe.Pointer(&b.data[0]))
}

func (b *cpuidBuffer) entries() []kvmCPUIDEntry2 {
	first := (*kvmCPUIDEntry2)(unsafe.Pointer(&b.data[unsafe.Sizeof(kvmCPUID2{})]))
	return unsafe.Slice(first, b.header().Nr)
}

func getSupportedCpuId(hvFd int) (*cpuidBuffer, error) {
	buf := newCPUIDBuffer(maxCPUIDEntries)

	// the kernel rewrites Nr with the number of entries it filled in
	if _, err := ioctlWithRetry(uintptr(hvFd), kvmGetSupportedCpuid, uintptr(unsafe.Pointer(&buf.data[0]))); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	return buf, nil
}

func setVCPUID(vcpuFd int, cpuId *cpuidBuffer) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetCpuid2), uintptr(unsafe.Pointer(&cpuId.data[0])))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}

	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}
