// Package bootinfo describes the Boot Info Block, the fixed-offset record
// through which the host tells a freshly loaded guest about its environment.
//
// The block lives at the physical load address of the guest's first
// segment. Offsets are a private ABI shared with the paired guest kernel.
package bootinfo

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/uhyve/internal/hv"
)

const (
	OffsetMemoryBase  = 0x08
	OffsetMemoryLimit = 0x10
	OffsetCPUFreq     = 0x18
	// OffsetCPUOnline is advanced by the guest as each core finishes booting.
	OffsetCPUOnline = 0x20
	OffsetCPUs      = 0x24
	// OffsetCurrentCPU holds the id of the core the host is releasing.
	OffsetCurrentCPU = 0x30
	OffsetFileSize   = 0x38
	OffsetNUMANodes  = 0x60
	OffsetUhyve      = 0x94

	// Size covers every field above.
	Size = 0x98
)

// Fields are the values the host writes before any vCPU starts.
type Fields struct {
	MemoryBase  uint64
	MemoryLimit uint64
	CPUFreqMHz  uint32
	CPUs        uint32
	CurrentCPU  uint32
	FileSize    uint64
	NUMANodes   uint32
	Uhyve       uint32
}

// Block is a view of the Boot Info Block inside guest memory.
type Block struct {
	mem  *hv.GuestMemory
	base uint64
}

// At returns the block located at guest physical address base.
func At(mem *hv.GuestMemory, base uint64) (*Block, error) {
	if _, err := mem.Slice(base, Size); err != nil {
		return nil, fmt.Errorf("boot info block at 0x%x: %w", base, err)
	}
	return &Block{mem: mem, base: base}, nil
}

// Base returns the guest physical address of the block.
func (b *Block) Base() uint64 { return b.base }

// Write stores every host-provided field. CPUOnline is left untouched.
func (b *Block) Write(f Fields) error {
	for _, w := range []struct {
		off  uint64
		v    uint64
		wide bool
	}{
		{OffsetMemoryBase, f.MemoryBase, true},
		{OffsetMemoryLimit, f.MemoryLimit, true},
		{OffsetCPUFreq, uint64(f.CPUFreqMHz), false},
		{OffsetCPUs, uint64(f.CPUs), false},
		{OffsetCurrentCPU, uint64(f.CurrentCPU), false},
		{OffsetFileSize, f.FileSize, true},
		{OffsetNUMANodes, uint64(f.NUMANodes), false},
		{OffsetUhyve, uint64(f.Uhyve), false},
	} {
		var err error
		if w.wide {
			err = b.mem.PutUint64(b.base+w.off, w.v)
		} else {
			err = b.mem.PutUint32(b.base+w.off, uint32(w.v))
		}
		if err != nil {
			return fmt.Errorf("write boot info field 0x%x: %w", w.off, err)
		}
	}
	return nil
}

// Read returns the current contents of the block.
func (b *Block) Read() (Fields, error) {
	var (
		f   Fields
		err error
	)
	read64 := func(off uint64, dst *uint64) {
		if err == nil {
			*dst, err = b.mem.Uint64(b.base + off)
		}
	}
	read32 := func(off uint64, dst *uint32) {
		if err == nil {
			*dst, err = b.mem.Uint32(b.base + off)
		}
	}

	read64(OffsetMemoryBase, &f.MemoryBase)
	read64(OffsetMemoryLimit, &f.MemoryLimit)
	read32(OffsetCPUFreq, &f.CPUFreqMHz)
	read32(OffsetCPUs, &f.CPUs)
	read32(OffsetCurrentCPU, &f.CurrentCPU)
	read64(OffsetFileSize, &f.FileSize)
	read32(OffsetNUMANodes, &f.NUMANodes)
	read32(OffsetUhyve, &f.Uhyve)

	if err != nil {
		return Fields{}, fmt.Errorf("read boot info: %w", err)
	}
	return f, nil
}

// SetCPUs publishes the number of cores the guest should bring up.
func (b *Block) SetCPUs(n uint32) error {
	return b.mem.PutUint32(b.base+OffsetCPUs, n)
}

// Online returns the guest-maintained count of cores that have booted.
func (b *Block) Online() (*atomic.Uint32, error) {
	return b.mem.AtomicUint32(b.base + OffsetCPUOnline)
}

// CurrentCPU returns the word the host uses to release the next core.
func (b *Block) CurrentCPU() (*atomic.Uint32, error) {
	return b.mem.AtomicUint32(b.base + OffsetCurrentCPU)
}

// WaitForTurn is the boot barrier. Core id spins until id cores are online,
// then publishes its own id so the guest knows which core is starting. Core
// 0 never waits. Cores therefore activate in order 0, 1, 2, ... whatever
// order their host threads were started in.
//
// The wait is a busy loop that yields the processor; it returns early with
// ctx.Err() if ctx is cancelled.
func (b *Block) WaitForTurn(ctx context.Context, id int) error {
	online, err := b.Online()
	if err != nil {
		return err
	}
	current, err := b.CurrentCPU()
	if err != nil {
		return err
	}

	for spins := 0; online.Load() < uint32(id); spins++ {
		if spins%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		runtime.Gosched()
	}

	current.Store(uint32(id))
	return nil
}
