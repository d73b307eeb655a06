package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrPlatform marks a rejected privileged configuration call or an exit
	// the host cannot continue past. It is always fatal to the VM.
	ErrPlatform = errors.New("platform error")

	ErrInvalidImage         = errors.New("invalid guest image")
	ErrIO                   = errors.New("guest image I/O error")
	ErrUnsupportedGuestSize = errors.New("unsupported guest memory size")
	ErrGuestAccess          = errors.New("guest memory access out of bounds")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags
)

// GeneralRegisters lists every register accepted by VirtualCPU.SetRegisters.
var GeneralRegisters = []Register{
	RegisterAMD64Rax, RegisterAMD64Rbx, RegisterAMD64Rcx, RegisterAMD64Rdx,
	RegisterAMD64Rsi, RegisterAMD64Rdi, RegisterAMD64Rsp, RegisterAMD64Rbp,
	RegisterAMD64R8, RegisterAMD64R9, RegisterAMD64R10, RegisterAMD64R11,
	RegisterAMD64R12, RegisterAMD64R13, RegisterAMD64R14, RegisterAMD64R15,
	RegisterAMD64Rip, RegisterAMD64Rflags,
}

// Segment is a cached segment descriptor as loaded into a segment register.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
}

type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// SpecialRegisters is the system register state of an x86_64 vCPU: segment
// registers, descriptor tables, control registers and EFER.
type SpecialRegisters struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DescriptorTable

	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64

	InterruptBitmap [4]uint64
}

// CPUIDEntry is one leaf/subleaf of the feature set reported to the guest.
type CPUIDEntry struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
}

type MPState uint32

const (
	MPStateRunnable MPState = iota
	MPStateUninitialized
	MPStateInitReceived
	MPStateHalted
	MPStateSipiReceived
)

type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitHalt
	ExitIO
	ExitMMIO
	ExitFailEntry
	ExitInternalError
	ExitShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitHalt:
		return "halt"
	case ExitIO:
		return "io"
	case ExitMMIO:
		return "mmio"
	case ExitFailEntry:
		return "fail-entry"
	case ExitInternalError:
		return "internal-error"
	case ExitShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type IODirection uint8

const (
	IODirectionIn IODirection = iota
	IODirectionOut
)

// IOExit describes a port I/O access. Data aliases the vCPU's shared exit
// page and is only valid until the next Run.
type IOExit struct {
	Port      uint16
	Direction IODirection
	Size      uint8
	Count     uint32
	Data      []byte
}

// Exit is the decoded reason a vCPU returned to the host.
type Exit struct {
	Reason ExitReason

	IO *IOExit

	// MMIOAddress is set for ExitMMIO.
	MMIOAddress uint64
	// HardwareEntryFailureReason is set for ExitFailEntry.
	HardwareEntryFailureReason uint64
	// InternalSuberror is set for ExitInternalError.
	InternalSuberror uint32
	// RawReason is the backend's own exit code, kept for diagnostics.
	RawReason uint32
	// Detail is the backend's name for the cause, if it has one.
	Detail string
}

func (e Exit) String() string {
	switch e.Reason {
	case ExitIO:
		if e.IO != nil {
			return fmt.Sprintf("io port=0x%x direction=%d", e.IO.Port, e.IO.Direction)
		}
	case ExitMMIO:
		return fmt.Sprintf("mmio addr=0x%x", e.MMIOAddress)
	case ExitFailEntry:
		return fmt.Sprintf("fail-entry hw_entry_failure_reason=0x%x", e.HardwareEntryFailureReason)
	case ExitInternalError:
		if e.Detail != "" {
			return fmt.Sprintf("internal-error %s (suberror=0x%x)", e.Detail, e.InternalSuberror)
		}
		return fmt.Sprintf("internal-error suberror=0x%x", e.InternalSuberror)
	case ExitUnknown:
		return fmt.Sprintf("unknown exit_reason=0x%x", e.RawReason)
	}
	return e.Reason.String()
}

type VirtualCPU interface {
	io.Closer

	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	GetSpecialRegisters() (SpecialRegisters, error)
	SetSpecialRegisters(sregs *SpecialRegisters) error

	SetCPUID(entries []CPUIDEntry) error

	GetMPState() (MPState, error)
	SetMPState(state MPState) error

	// Run enters the guest once and returns the reason it left. Interrupted
	// entries are retried; a cancelled ctx makes Run return ctx.Err().
	Run(ctx context.Context) (Exit, error)
}

type VirtualMachine interface {
	io.Closer

	Hypervisor() Hypervisor

	Memory() *GuestMemory

	// NewVirtualCPU creates the execution context for core id. It should be
	// called on the host thread that will run the vCPU.
	NewVirtualCPU(id int) (VirtualCPU, error)
}

type VMConfig struct {
	MemorySize uint64

	// IRQChip requests an in-kernel interrupt controller.
	IRQChip bool
}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	SupportedCPUID() ([]CPUIDEntry, error)

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
