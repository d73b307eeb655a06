//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/uhyve/internal/hv"
	"golang.org/x/sys/unix"
)

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

// SupportedCPUID implements hv.Hypervisor.
func (h *hypervisor) SupportedCPUID() ([]hv.CPUIDEntry, error) {
	buf, err := getSupportedCpuId(h.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hv.ErrPlatform, err)
	}

	raw := buf.entries()
	entries := make([]hv.CPUIDEntry, len(raw))
	for i, e := range raw {
		entries[i] = hv.CPUIDEntry{
			Function: e.Function,
			Index:    e.Index,
			Flags:    e.Flags,
			EAX:      e.Eax,
			EBX:      e.Ebx,
			ECX:      e.Ecx,
			EDX:      e.Edx,
		}
	}

	return entries, nil
}

func (h *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("%w: setting TSS addr: %v", hv.ErrPlatform, err)
	}

	if config.IRQChip {
		if _, err := createIRQChip(vm.vmFd); err != nil {
			return fmt.Errorf("%w: creating IRQ chip: %v", hv.ErrPlatform, err)
		}
	}

	return nil
}

func generalRegister(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp
	case hv.RegisterAMD64R8:
		return &regs.R8
	case hv.RegisterAMD64R9:
		return &regs.R9
	case hv.RegisterAMD64R10:
		return &regs.R10
	case hv.RegisterAMD64R11:
		return &regs.R11
	case hv.RegisterAMD64R12:
		return &regs.R12
	case hv.RegisterAMD64R13:
		return &regs.R13
	case hv.RegisterAMD64R14:
		return &regs.R14
	case hv.RegisterAMD64R15:
		return &regs.R15
	case hv.RegisterAMD64Rip:
		return &regs.Rip
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags
	default:
		return nil
	}
}

// SetRegisters implements hv.VirtualCPU. Registers absent from regs keep
// their current values.
func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	current, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("%w: get registers: %v", hv.ErrPlatform, err)
	}

	for reg, val := range regs {
		slot := generalRegister(&current, reg)
		if slot == nil {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
		r64, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("kvm: register %v: unsupported value type %T", reg, val)
		}
		*slot = uint64(r64)
	}

	if err := setRegisters(v.fd, &current); err != nil {
		return fmt.Errorf("%w: set registers: %v", hv.ErrPlatform, err)
	}

	return nil
}

// GetRegisters implements hv.VirtualCPU. Every key present in regs is
// filled in.
func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	current, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("%w: get registers: %v", hv.ErrPlatform, err)
	}

	for reg := range regs {
		slot := generalRegister(&current, reg)
		if slot == nil {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
		regs[reg] = hv.Register64(*slot)
	}

	return nil
}

func segmentFromKVM(s kvmSegment) hv.Segment {
	return hv.Segment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  s.Present,
		DPL:      s.Dpl,
		DB:       s.Db,
		S:        s.S,
		L:        s.L,
		G:        s.G,
		AVL:      s.Avl,
		Unusable: s.Unusable,
	}
}

func segmentToKVM(s hv.Segment) kvmSegment {
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  s.Present,
		Dpl:      s.DPL,
		Db:       s.DB,
		S:        s.S,
		L:        s.L,
		G:        s.G,
		Avl:      s.AVL,
		Unusable: s.Unusable,
	}
}

// GetSpecialRegisters implements hv.VirtualCPU.
func (v *virtualCPU) GetSpecialRegisters() (hv.SpecialRegisters, error) {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return hv.SpecialRegisters{}, fmt.Errorf("%w: get special registers: %v", hv.ErrPlatform, err)
	}

	return hv.SpecialRegisters{
		CS:  segmentFromKVM(sregs.Cs),
		DS:  segmentFromKVM(sregs.Ds),
		ES:  segmentFromKVM(sregs.Es),
		FS:  segmentFromKVM(sregs.Fs),
		GS:  segmentFromKVM(sregs.Gs),
		SS:  segmentFromKVM(sregs.Ss),
		TR:  segmentFromKVM(sregs.Tr),
		LDT: segmentFromKVM(sregs.Ldt),

		GDT: hv.DescriptorTable{Base: sregs.Gdt.Base, Limit: sregs.Gdt.Limit},
		IDT: hv.DescriptorTable{Base: sregs.Idt.Base, Limit: sregs.Idt.Limit},

		CR0:      sregs.Cr0,
		CR2:      sregs.Cr2,
		CR3:      sregs.Cr3,
		CR4:      sregs.Cr4,
		CR8:      sregs.Cr8,
		EFER:     sregs.Efer,
		APICBase: sregs.ApicBase,

		InterruptBitmap: sregs.InterruptBitmap,
	}, nil
}

// SetSpecialRegisters implements hv.VirtualCPU.
func (v *virtualCPU) SetSpecialRegisters(s *hv.SpecialRegisters) error {
	sregs := kvmSRegs{
		Cs:  segmentToKVM(s.CS),
		Ds:  segmentToKVM(s.DS),
		Es:  segmentToKVM(s.ES),
		Fs:  segmentToKVM(s.FS),
		Gs:  segmentToKVM(s.GS),
		Ss:  segmentToKVM(s.SS),
		Tr:  segmentToKVM(s.TR),
		Ldt: segmentToKVM(s.LDT),

		Gdt: kvmDTable{Base: s.GDT.Base, Limit: s.GDT.Limit},
		Idt: kvmDTable{Base: s.IDT.Base, Limit: s.IDT.Limit},

		Cr0:      s.CR0,
		Cr2:      s.CR2,
		Cr3:      s.CR3,
		Cr4:      s.CR4,
		Cr8:      s.CR8,
		Efer:     s.EFER,
		ApicBase: s.APICBase,

		InterruptBitmap: s.InterruptBitmap,
	}

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("%w: set special registers: %v", hv.ErrPlatform, err)
	}

	return nil
}

// SetCPUID implements hv.VirtualCPU.
func (v *virtualCPU) SetCPUID(entries []hv.CPUIDEntry) error {
	buf := newCPUIDBuffer(len(entries))
	raw := buf.entries()
	for i, e := range entries {
		raw[i] = kvmCPUIDEntry2{
			Function: e.Function,
			Index:    e.Index,
			Flags:    e.Flags,
			Eax:      e.EAX,
			Ebx:      e.EBX,
			Ecx:      e.ECX,
			Edx:      e.EDX,
		}
	}

	if err := setVCPUID(v.fd, buf); err != nil {
		return fmt.Errorf("%w: set CPUID: %v", hv.ErrPlatform, err)
	}

	return nil
}

// GetMPState implements hv.VirtualCPU.
func (v *virtualCPU) GetMPState() (hv.MPState, error) {
	state, err := getMPState(v.fd)
	if err != nil {
		return 0, fmt.Errorf("%w: get MP state: %v", hv.ErrPlatform, err)
	}
	return hv.MPState(state.MpState), nil
}

// SetMPState implements hv.VirtualCPU.
func (v *virtualCPU) SetMPState(state hv.MPState) error {
	if err := setMPState(v.fd, &kvmMpState{MpState: uint32(state)}); err != nil {
		return fmt.Errorf("%w: set MP state: %v", hv.ErrPlatform, err)
	}
	return nil
}

// Run implements hv.VirtualCPU. It must be called from the host thread
// that created the vCPU.
func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	run := v.runData()

	// clear immediate_exit in case it was set by a previous cancellation
	run.immediate_exit = 0

	if err := ctx.Err(); err != nil {
		return hv.Exit{}, err
	}

	if ctx.Done() != nil {
		tid := unix.Gettid()
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(fired)
			_ = v.RequestImmediateExit(tid)
		})
		// a callback that already started must finish before the caller
		// can close the vCPU
		defer func() {
			if !stop() {
				<-fired
			}
		}()
	}

	// keep trying to run the vCPU until it exits or an error occurs
	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if err := ctx.Err(); err != nil {
				return hv.Exit{}, err
			}

			continue
		} else if errors.Is(err, unix.EFAULT) {
			regs, rerr := getRegisters(v.fd)
			if rerr != nil {
				return hv.Exit{}, fmt.Errorf("%w: vCPU %d: host/guest translation fault", hv.ErrPlatform, v.id)
			}
			return hv.Exit{}, fmt.Errorf("%w: vCPU %d: host/guest translation fault: rip=0x%x", hv.ErrPlatform, v.id, regs.Rip)
		} else if err != nil {
			return hv.Exit{}, fmt.Errorf("%w: run vCPU %d: %v", hv.ErrPlatform, v.id, err)
		}

		break
	}

	return v.decodeExit(run), nil
}

func (v *virtualCPU) decodeExit(run *kvmRunData) hv.Exit {
	reason := kvmExitReason(run.exit_reason)
	exit := hv.Exit{RawReason: uint32(reason)}

	switch reason {
	case kvmExitHlt:
		exit.Reason = hv.ExitHalt
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		start := min(ioData.dataOffset, uint64(len(v.run)))
		end := min(start+uint64(ioData.size)*uint64(ioData.count), uint64(len(v.run)))
		exit.Reason = hv.ExitIO
		exit.IO = &hv.IOExit{
			Port:      ioData.port,
			Direction: hv.IODirection(ioData.direction),
			Size:      ioData.size,
			Count:     ioData.count,
			Data:      v.run[start:end:end],
		}
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		exit.Reason = hv.ExitMMIO
		exit.MMIOAddress = mmioData.physAddr
	case kvmExitFailEntry:
		fail := (*kvmExitFailEntryData)(unsafe.Pointer(&run.anon0[0]))
		exit.Reason = hv.ExitFailEntry
		exit.HardwareEntryFailureReason = fail.hardwareEntryFailureReason
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		exit.Reason = hv.ExitInternalError
		exit.InternalSuberror = uint32(ie.Suberror)
		exit.Detail = ie.Suberror.String()
	case kvmExitShutdown:
		exit.Reason = hv.ExitShutdown
	default:
		exit.Reason = hv.ExitUnknown
	}

	return exit
}
