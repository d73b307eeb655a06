// Package vmm ties the pieces of a unikernel VM together: it loads the guest
// image, brings up one host thread per guest core and services the exits of
// each core until the guest halts, exits or the caller cancels.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/uhyve/internal/bootinfo"
	"github.com/tinyrange/uhyve/internal/bootstrap"
	"github.com/tinyrange/uhyve/internal/hv"
	"github.com/tinyrange/uhyve/internal/hypercall"
	"github.com/tinyrange/uhyve/internal/loader"
	"golang.org/x/sync/errgroup"
)

// kernelLogMax bounds the kernel log dump.
const kernelLogMax = 64 << 10

// Config describes a single VM.
type Config struct {
	// Kernel is the path of the guest ELF image.
	Kernel string

	MemorySize uint64
	CPUs       int

	// Verbose dumps the guest kernel log to Console on Close.
	Verbose bool

	// Net backs the network hypercalls. Nil disables them.
	Net hypercall.NetDevice

	Load loader.Options

	// Console receives the kernel log dump. Defaults to os.Stdout.
	Console io.Writer
}

// Machine is the context shared by every vCPU thread of one VM. Guest
// memory, the page tables and the Boot Info Block are written either once by
// core 0 before any other core starts, or through the atomic counters of the
// boot barrier; nothing else mutates shared state.
type Machine struct {
	cfg Config

	vm     hv.VirtualMachine
	mem    *hv.GuestMemory
	image  *loader.Image
	boot   *bootinfo.Block
	bridge *hypercall.Bridge
	cpuid  []hv.CPUIDEntry

	sregsOnce sync.Once
	sregs     hv.SpecialRegisters
	sregsErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates the VM on h and loads the guest image into it. The guest
// memory size is validated before any platform resource is acquired.
func New(h hv.Hypervisor, cfg Config) (*Machine, error) {
	if cfg.CPUs < 1 {
		return nil, fmt.Errorf("vmm: invalid core count %d", cfg.CPUs)
	}
	if err := bootstrap.ValidateGuestSize(cfg.MemorySize); err != nil {
		return nil, err
	}
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}

	supported, err := h.SupportedCPUID()
	if err != nil {
		return nil, err
	}

	vm, err := h.NewVirtualMachine(hv.VMConfig{
		MemorySize: cfg.MemorySize,
		IRQChip:    true,
	})
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:    cfg,
		vm:     vm,
		mem:    vm.Memory(),
		bridge: hypercall.NewBridge(vm.Memory(), cfg.Net),
		cpuid:  FilterCPUID(supported),
	}

	m.image, err = loader.Load(cfg.Kernel, m.mem, cfg.Load)
	if err != nil {
		vm.Close()
		return nil, err
	}

	m.boot, err = bootinfo.At(m.mem, m.image.BootInfo)
	if err != nil {
		vm.Close()
		return nil, err
	}

	slog.Debug("vmm: loaded guest",
		"kernel", cfg.Kernel,
		"entry", fmt.Sprintf("0x%x", m.image.Entry),
		"segments", len(m.image.Segments),
		"memory", cfg.MemorySize,
	)

	return m, nil
}

// Image returns the layout of the loaded guest.
func (m *Machine) Image() *loader.Image { return m.image }

// Memory returns the guest address space.
func (m *Machine) Memory() *hv.GuestMemory { return m.mem }

// Run boots every core and blocks until the VM stops. Core 0 is created and
// initialized first; the remaining cores are started afterwards and join
// the guest one at a time through the boot barrier.
//
// Run returns nil when core 0 halts, *hypercall.ExitError when the guest
// requests an exit, ctx.Err() when ctx is cancelled and an hv.ErrPlatform
// error for any exit the host cannot continue past. In every case all vCPU
// threads have returned before Run does.
func (m *Machine) Run(ctx context.Context) error {
	ncores := m.cfg.CPUs
	if err := m.boot.SetCPUs(uint32(ncores)); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	initialized := make(chan struct{})
	g.Go(func() error {
		return m.runCore(ctx, 0, func() { close(initialized) })
	})

	select {
	case <-initialized:
		for id := 1; id < ncores; id++ {
			g.Go(func() error {
				return m.runCore(ctx, id, nil)
			})
		}
	case <-ctx.Done():
	}

	err := g.Wait()
	if errors.Is(err, hv.ErrVMHalted) {
		return nil
	}
	return err
}

// systemRegisters returns the register snapshot shared by all cores,
// building it from vcpu's reset state on first use.
func (m *Machine) systemRegisters(vcpu hv.VirtualCPU) (hv.SpecialRegisters, error) {
	m.sregsOnce.Do(func() {
		reset, err := vcpu.GetSpecialRegisters()
		if err != nil {
			m.sregsErr = err
			return
		}
		m.sregs, m.sregsErr = bootstrap.SystemRegisters(m.mem, reset)
	})
	return m.sregs, m.sregsErr
}

// Close releases the VM. In verbose mode the guest kernel log is written to
// the console first, while guest memory is still mapped.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		if m.cfg.Verbose {
			if err := m.DumpKernelLog(m.cfg.Console); err != nil {
				slog.Error("vmm: dump kernel log", "error", err)
			}
		}
		m.closeErr = m.vm.Close()
	})
	return m.closeErr
}

// DumpKernelLog writes the guest kernel log buffer to w.
func (m *Machine) DumpKernelLog(w io.Writer) error {
	klog, err := m.mem.CString(m.image.KernelLog, kernelLogMax)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\nDump kernel log:\n================\n\n%s\n", klog)
	return err
}
