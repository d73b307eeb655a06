// Package bootstrap prepares the guest address space for a direct 64-bit
// entry: an identity map built from 2 MiB pages, a flat three-entry GDT, and
// the system register state that switches a vCPU into long mode.
package bootstrap

import (
	"fmt"

	"github.com/tinyrange/uhyve/internal/hv"
)

// Fixed guest physical addresses of the boot structures.
const (
	GDTAddr   = 0x1000
	PML4Addr  = 0x10000
	PDPTEAddr = 0x11000
	PDEAddr   = 0x12000

	tableSize = 0x1000
)

const (
	// PageSize is the size of one leaf mapping.
	PageSize = 2 << 20
	// MaxGuestSize is the most a single page directory can map.
	MaxGuestSize = PageSize * 512
)

// Page table entry bits.
const (
	PTEPresent  = 1 << 0
	PTEWritable = 1 << 1
	PTEHuge     = 1 << 7
)

// Control register and EFER bits.
const (
	CR0PE   = 1 << 0
	CR0PG   = 1 << 31
	CR4PAE  = 1 << 5
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
)

// GDT slots.
const (
	GDTNull = iota
	GDTCode
	GDTData
	GDTEntries
)

// ValidateGuestSize reports whether size can be identity mapped with a
// single page directory of 2 MiB pages.
func ValidateGuestSize(size uint64) error {
	if size == 0 || size%PageSize != 0 {
		return fmt.Errorf("%w: 0x%x is not a positive multiple of 2 MiB", hv.ErrUnsupportedGuestSize, size)
	}
	if size > MaxGuestSize {
		return fmt.Errorf("%w: 0x%x exceeds the 0x%x limit", hv.ErrUnsupportedGuestSize, size, uint64(MaxGuestSize))
	}
	return nil
}

// SetupPageTables writes the PML4, PDPT and page directory. The guest size
// is validated before any table is touched.
func SetupPageTables(mem *hv.GuestMemory) error {
	size := mem.Size()
	if err := ValidateGuestSize(size); err != nil {
		return err
	}

	for _, table := range []uint64{PML4Addr, PDPTEAddr, PDEAddr} {
		if err := mem.Zero(table, tableSize); err != nil {
			return fmt.Errorf("clear page table at 0x%x: %w", table, err)
		}
	}

	if err := mem.PutUint64(PML4Addr, PDPTEAddr|PTEPresent|PTEWritable); err != nil {
		return err
	}
	if err := mem.PutUint64(PDPTEAddr, PDEAddr|PTEPresent|PTEWritable); err != nil {
		return err
	}
	for i, paddr := uint64(0), uint64(0); paddr < size; i, paddr = i+1, paddr+PageSize {
		if err := mem.PutUint64(PDEAddr+i*8, paddr|PTEPresent|PTEWritable|PTEHuge); err != nil {
			return err
		}
	}

	return nil
}

// GDTEntry packs a segment descriptor. flags carries the access byte in its
// low 8 bits and the G/DB/L/AVL nibble in bits 12-15.
func GDTEntry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<32 |
		(uint64(flags)&0xf0ff)<<40 |
		(uint64(limit)&0x000f0000)<<32 |
		(uint64(base)&0x00ffffff)<<16 |
		uint64(limit)&0x0000ffff
}

func bit(desc uint64, n uint) uint8 { return uint8(desc>>n) & 1 }

// SegmentFromDescriptor decodes the descriptor stored in GDT slot index
// into the cached form loaded into a segment register.
func SegmentFromDescriptor(desc uint64, index int) hv.Segment {
	return hv.Segment{
		Base: (desc&0xff00000000000000)>>32 |
			(desc&0x000000ff00000000)>>16 |
			(desc&0x00000000ffff0000)>>16,
		Limit:    uint32((desc&0x000f000000000000)>>32 | desc&0xffff),
		Selector: uint16(index * 8),
		Type:     uint8(desc>>40) & 0xf,
		S:        bit(desc, 44),
		DPL:      uint8(desc>>45) & 0x3,
		Present:  bit(desc, 47),
		AVL:      bit(desc, 52),
		L:        bit(desc, 53),
		DB:       bit(desc, 54),
		G:        bit(desc, 55),
	}
}

// Descriptors returns the null, flat 64-bit code and flat data descriptors.
func Descriptors() [GDTEntries]uint64 {
	return [GDTEntries]uint64{
		GDTNull: GDTEntry(0, 0, 0),
		GDTCode: GDTEntry(0xa09b, 0, 0xfffff),
		GDTData: GDTEntry(0xc093, 0, 0xfffff),
	}
}

// SetupGDT writes the descriptor table at GDTAddr and points sregs at it,
// loading CS with the code segment and every data segment register with
// the data segment.
func SetupGDT(mem *hv.GuestMemory, sregs *hv.SpecialRegisters) error {
	gdt := Descriptors()
	for i, desc := range gdt {
		if err := mem.PutUint64(GDTAddr+uint64(i)*8, desc); err != nil {
			return fmt.Errorf("write GDT entry %d: %w", i, err)
		}
	}

	sregs.GDT = hv.DescriptorTable{Base: GDTAddr, Limit: GDTEntries*8 - 1}

	code := SegmentFromDescriptor(gdt[GDTCode], GDTCode)
	data := SegmentFromDescriptor(gdt[GDTData], GDTData)

	sregs.CS = code
	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data

	return nil
}

// SystemRegisters builds the long mode register snapshot from the vCPU's
// reset state. It writes the GDT and page tables into mem, so it must run
// once, before any vCPU enters the guest; the result is then applied
// unchanged to every core.
func SystemRegisters(mem *hv.GuestMemory, reset hv.SpecialRegisters) (hv.SpecialRegisters, error) {
	if err := ValidateGuestSize(mem.Size()); err != nil {
		return hv.SpecialRegisters{}, err
	}

	sregs := reset

	if err := SetupGDT(mem, &sregs); err != nil {
		return hv.SpecialRegisters{}, err
	}

	if err := SetupPageTables(mem); err != nil {
		return hv.SpecialRegisters{}, err
	}
	sregs.CR3 = PML4Addr
	sregs.CR4 |= CR4PAE
	sregs.CR0 |= CR0PG

	sregs.CR0 |= CR0PE
	sregs.EFER |= EFERLME | EFERLMA

	return sregs, nil
}
