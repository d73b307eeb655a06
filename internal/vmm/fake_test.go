package vmm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/uhyve/internal/bootinfo"
	"github.com/tinyrange/uhyve/internal/hv"
)

// runFunc plays the guest for one entry of a fake vCPU.
type runFunc func(ctx context.Context, cpu *fakeCPU) (hv.Exit, error)

type fakeHypervisor struct {
	cpuid []hv.CPUIDEntry
	run   runFunc

	// createDelay, if set, delays creation of each vCPU.
	createDelay func(id int) time.Duration

	vm         *fakeVM
	newVMCalls int
}

func (h *fakeHypervisor) Close() error { return nil }

func (h *fakeHypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *fakeHypervisor) SupportedCPUID() ([]hv.CPUIDEntry, error) {
	return h.cpuid, nil
}

func (h *fakeHypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	h.newVMCalls++
	h.vm = &fakeVM{
		hv:     h,
		config: config,
		mem:    hv.NewGuestMemory(make([]byte, config.MemorySize)),
		cpus:   make(map[int]*fakeCPU),
	}
	return h.vm, nil
}

type fakeVM struct {
	hv     *fakeHypervisor
	config hv.VMConfig
	mem    *hv.GuestMemory

	getSregsCalls atomic.Int32

	mu      sync.Mutex
	cpus    map[int]*fakeCPU
	created []int
	started []int
	closed  bool
}

func (v *fakeVM) Hypervisor() hv.Hypervisor { return v.hv }
func (v *fakeVM) Memory() *hv.GuestMemory   { return v.mem }

func (v *fakeVM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

func (v *fakeVM) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *fakeVM) cpu(id int) *fakeCPU {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cpus[id]
}

func (v *fakeVM) createdOrder() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]int(nil), v.created...)
}

func (v *fakeVM) startedOrder() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]int(nil), v.started...)
}

func (v *fakeVM) markStarted(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.started = append(v.started, id)
}

func (v *fakeVM) online() *atomic.Uint32 { return v.word(bootinfo.OffsetCPUOnline) }

// word returns a 32-bit field of the Boot Info Block.
func (v *fakeVM) word(off uint64) *atomic.Uint32 {
	w, err := v.mem.AtomicUint32(testKernelBase + off)
	if err != nil {
		panic(err)
	}
	return w
}

func (v *fakeVM) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	if v.hv.createDelay != nil {
		time.Sleep(v.hv.createDelay(id))
	}

	cpu := &fakeCPU{
		vm: v,
		id: id,
		mp: hv.MPStateUninitialized,
		sregs: hv.SpecialRegisters{
			CR0: 0x60000010,
		},
		regs: make(map[hv.Register]hv.RegisterValue),
	}

	v.mu.Lock()
	v.cpus[id] = cpu
	v.created = append(v.created, id)
	v.mu.Unlock()

	return cpu, nil
}

type fakeCPU struct {
	vm *fakeVM
	id int

	regs     map[hv.Register]hv.RegisterValue
	sregs    hv.SpecialRegisters
	sregsSet int
	cpuid    []hv.CPUIDEntry
	mp       hv.MPState
	runs     int
	closed   atomic.Bool
}

func (c *fakeCPU) ID() int { return c.id }

func (c *fakeCPU) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, v := range regs {
		c.regs[reg] = v
	}
	return nil
}

func (c *fakeCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		regs[reg] = c.regs[reg]
	}
	return nil
}

func (c *fakeCPU) GetSpecialRegisters() (hv.SpecialRegisters, error) {
	c.vm.getSregsCalls.Add(1)
	return c.sregs, nil
}

func (c *fakeCPU) SetSpecialRegisters(sregs *hv.SpecialRegisters) error {
	c.sregs = *sregs
	c.sregsSet++
	return nil
}

func (c *fakeCPU) SetCPUID(entries []hv.CPUIDEntry) error {
	c.cpuid = append([]hv.CPUIDEntry(nil), entries...)
	return nil
}

func (c *fakeCPU) GetMPState() (hv.MPState, error) { return c.mp, nil }

func (c *fakeCPU) SetMPState(state hv.MPState) error {
	c.mp = state
	return nil
}

func (c *fakeCPU) Run(ctx context.Context) (hv.Exit, error) {
	if err := ctx.Err(); err != nil {
		return hv.Exit{}, err
	}
	if c.runs == 0 {
		c.vm.markStarted(c.id)
	}
	c.runs++
	return c.vm.hv.run(ctx, c)
}

var (
	_ hv.Hypervisor     = &fakeHypervisor{}
	_ hv.VirtualMachine = &fakeVM{}
	_ hv.VirtualCPU     = &fakeCPU{}
)
