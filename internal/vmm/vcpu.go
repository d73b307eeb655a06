package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/tinyrange/uhyve/internal/hv"
	"github.com/tinyrange/uhyve/internal/hypercall"
)

// Initial register state handed to the kernel entry point.
const (
	entryRAX    = 2
	entryRBX    = 2
	entryRFLAGS = 0x2
)

// runCore owns core id for its whole life: it creates the vCPU on the
// current host thread, initializes it, waits for its turn in the boot
// barrier and then services exits until the core stops. initialized, if
// set, is called once the vCPU is ready to enter the guest.
func (m *Machine) runCore(ctx context.Context, id int, initialized func()) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	vcpu, err := m.vm.NewVirtualCPU(id)
	if err != nil {
		return err
	}
	defer func() {
		if err := vcpu.Close(); err != nil {
			slog.Error("vmm: close vcpu", "vcpu", id, "error", err)
		}
	}()

	if err := m.initCore(vcpu); err != nil {
		return fmt.Errorf("vcpu %d: %w", id, err)
	}
	if initialized != nil {
		initialized()
	}

	if err := m.boot.WaitForTurn(ctx, id); err != nil {
		return err
	}
	slog.Debug("vmm: vcpu online", "vcpu", id)

	return m.dispatch(ctx, vcpu)
}

func (m *Machine) initCore(vcpu hv.VirtualCPU) error {
	sregs, err := m.systemRegisters(vcpu)
	if err != nil {
		return err
	}
	if err := vcpu.SetSpecialRegisters(&sregs); err != nil {
		return err
	}

	regs := make(map[hv.Register]hv.RegisterValue, len(hv.GeneralRegisters))
	for _, reg := range hv.GeneralRegisters {
		regs[reg] = hv.Register64(0)
	}
	regs[hv.RegisterAMD64Rip] = hv.Register64(m.image.Entry)
	regs[hv.RegisterAMD64Rax] = hv.Register64(entryRAX)
	regs[hv.RegisterAMD64Rbx] = hv.Register64(entryRBX)
	regs[hv.RegisterAMD64Rflags] = hv.Register64(entryRFLAGS)
	if err := vcpu.SetRegisters(regs); err != nil {
		return err
	}

	return vcpu.SetCPUID(m.cpuid)
}

// dispatch is the exit loop of one core. Halt on core 0 stops the whole VM
// (reported as hv.ErrVMHalted); halt on any other core ends only that core.
func (m *Machine) dispatch(ctx context.Context, vcpu hv.VirtualCPU) error {
	id := vcpu.ID()

	// be sure that the core is runnable
	state, err := vcpu.GetMPState()
	if err != nil {
		return err
	}
	if state != hv.MPStateRunnable {
		if err := vcpu.SetMPState(hv.MPStateRunnable); err != nil {
			return err
		}
	}

	for {
		exit, err := vcpu.Run(ctx)
		if err != nil {
			return err
		}

		switch exit.Reason {
		case hv.ExitHalt:
			slog.Info("guest has halted the cpu", "vcpu", id)
			if id == 0 {
				return hv.ErrVMHalted
			}
			return nil

		case hv.ExitIO:
			if exit.IO == nil || !hypercall.IsHypercallPort(exit.IO.Port) {
				return fmt.Errorf("%w: vcpu %d: unhandled %s", hv.ErrPlatform, id, exit)
			}
			if err := m.bridge.Handle(exit.IO.Port, exit.IO.Data); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: vcpu %d: unhandled exit: %s", hv.ErrPlatform, id, exit)
		}
	}
}
