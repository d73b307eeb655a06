//go:build linux && amd64

package kvm

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/tinyrange/uhyve/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte

	// mu guards run against unmapping while a cancellation writes to it.
	mu     sync.Mutex
	closed bool
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int { return v.id }

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// RequestImmediateExit forces the vCPU running on host thread tid out of
// KVM_RUN.
func (v *virtualCPU) RequestImmediateExit(tid int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("kvm: request immediate exit: vcpu %d is closed", v.id)
	}

	// set immediate_exit so a KVM_RUN that has not started yet returns at once
	v.runData().immediate_exit = 1

	// send signal to the vCPU thread to interrupt it
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

// Close implements hv.VirtualCPU.
func (v *virtualCPU) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	var err error
	if e := unix.Munmap(v.run); e != nil {
		err = fmt.Errorf("kvm: munmap vcpu %d run: %w", v.id, e)
	}
	if e := unix.Close(v.fd); e != nil && err == nil {
		err = fmt.Errorf("kvm: close vcpu %d fd: %w", v.id, e)
	}
	return err
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv       *hypervisor
	vmFd     int
	mmapSize int

	mem    []byte
	memory *hv.GuestMemory

	mu    sync.Mutex
	vcpus map[int]*virtualCPU
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) Memory() *hv.GuestMemory   { return v.memory }

// NewVirtualCPU implements hv.VirtualMachine.
func (v *virtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("%w: create vCPU %d: %v", hv.ErrPlatform, id, err)
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		v.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("%w: mmap vCPU %d kvm_run: %v", hv.ErrPlatform, id, err)
	}

	vcpu := &virtualCPU{
		vm:  v,
		id:  id,
		fd:  vcpuFd,
		run: run,
	}

	v.mu.Lock()
	v.vcpus[id] = vcpu
	v.mu.Unlock()

	return vcpu, nil
}

// Close implements hv.VirtualMachine. Any vCPU not closed by its owner is
// released here, followed by guest memory and the VM descriptor.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	vcpus := v.vcpus
	v.vcpus = nil
	v.mu.Unlock()

	for _, vcpu := range vcpus {
		if err := vcpu.Close(); err != nil {
			slog.Error("kvm: close vcpu", "id", vcpu.id, "error", err)
		}
	}

	if v.mem != nil {
		if err := unix.Munmap(v.mem); err != nil {
			slog.Error("kvm: munmap memory", "error", err)
		}
		v.mem = nil
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			return fmt.Errorf("kvm: close vm fd: %w", err)
		}
		v.vmFd = -1
	}

	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor. Guest memory is a single
// anonymous mapping registered as slot 0 at guest physical address 0.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize == 0 {
		return nil, fmt.Errorf("%w: memory size must be greater than 0", hv.ErrUnsupportedGuestSize)
	}
	maxInt := uint64(^uint(0) >> 1)
	if config.MemorySize > maxInt {
		return nil, fmt.Errorf("%w: size %d exceeds host address limit", hv.ErrUnsupportedGuestSize, config.MemorySize)
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: create VM: %v", hv.ErrPlatform, err)
	}

	vm := &virtualMachine{
		hv:    h,
		vmFd:  vmFd,
		vcpus: make(map[int]*virtualCPU),
	}

	if err := h.archVMInit(vm, config); err != nil {
		vm.Close()
		return nil, err
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("%w: mmap guest memory: %v", hv.ErrPlatform, err)
	}
	vm.mem = mem
	vm.memory = hv.NewGuestMemory(mem)

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		// KSM may be compiled out; the mapping is still usable.
		slog.Debug("kvm: madvise guest memory", "error", err)
	}

	if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: 0,
		MemorySize:    config.MemorySize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		vm.Close()
		return nil, fmt.Errorf("%w: set user memory region: %v", hv.ErrPlatform, err)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("%w: get kvm_run mmap size: %v", hv.ErrPlatform, err)
	}
	if mmapSize < int(unsafe.Sizeof(kvmRunData{})) {
		vm.Close()
		return nil, fmt.Errorf("%w: kvm_run mmap size %d too small", hv.ErrPlatform, mmapSize)
	}
	vm.mmapSize = mmapSize

	slog.Debug("kvm: created VM", "memory", config.MemorySize, "irqchip", config.IRQChip)

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// Open opens /dev/kvm and checks the API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/kvm: %v", hv.ErrPlatform, err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: get KVM API version: %v", hv.ErrPlatform, err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: unsupported KVM API version %d, want %d", hv.ErrPlatform, version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
