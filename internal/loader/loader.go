// Package loader places a unikernel ELF image into guest memory and fills
// in its Boot Info Block.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/tinyrange/uhyve/internal/bootinfo"
	"github.com/tinyrange/uhyve/internal/hv"
)

// KernelLogOffset is the distance from the first segment's physical address
// to the guest's kernel log buffer.
const KernelLogOffset = 0x5000

// Options tune a single load.
type Options struct {
	// CPUFreqMHz is reported to the guest. Zero means discover it from the
	// host with HostCPUFrequencyMHz.
	CPUFreqMHz uint32

	// NewProgress, if set, is called once with the number of file bytes
	// that will be copied and returns a writer that is fed each chunk.
	NewProgress func(total int64) io.Writer
}

// Segment records where one PT_LOAD segment was placed.
type Segment struct {
	PhysAddr uint64
	FileSize uint64
	MemSize  uint64
}

// Image is the result of a successful load.
type Image struct {
	Entry uint64

	// BootInfo is the guest physical address of the Boot Info Block.
	BootInfo uint64
	// KernelLog is the guest physical address of the kernel log buffer.
	KernelLog uint64

	Segments []Segment
}

// Load opens path and loads it with LoadFrom.
func Load(path string, mem *hv.GuestMemory, opts Options) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open kernel %q: %v", hv.ErrIO, path, err)
	}
	defer f.Close()

	img, err := LoadFrom(f, mem, opts)
	if err != nil {
		return nil, fmt.Errorf("load kernel %q: %w", path, err)
	}
	return img, nil
}

func validateHeader(f *elf.File) error {
	switch {
	case f.Class != elf.ELFCLASS64:
		return fmt.Errorf("%w: ELF class %v, want ELFCLASS64", hv.ErrInvalidImage, f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return fmt.Errorf("%w: ELF data encoding %v, want little-endian", hv.ErrInvalidImage, f.Data)
	case f.OSABI != elf.ELFOSABI_STANDALONE:
		return fmt.Errorf("%w: ELF OS ABI 0x%x, want 0x%x", hv.ErrInvalidImage, uint8(f.OSABI), uint8(elf.ELFOSABI_STANDALONE))
	case f.Type != elf.ET_EXEC:
		return fmt.Errorf("%w: ELF type %v, want ET_EXEC", hv.ErrInvalidImage, f.Type)
	case f.Machine != elf.EM_X86_64:
		return fmt.Errorf("%w: unsupported ELF machine %v (want x86_64)", hv.ErrInvalidImage, f.Machine)
	}
	return nil
}

// LoadFrom validates the ELF image in r, copies every PT_LOAD segment to its
// physical address and zero-fills the remainder of each segment. The Boot
// Info Block inside the first loaded segment is written last.
func LoadFrom(r io.ReaderAt, mem *hv.GuestMemory, opts Options) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		var ferr *elf.FormatError
		if errors.As(err, &ferr) {
			return nil, fmt.Errorf("%w: %v", hv.ErrInvalidImage, err)
		}
		return nil, fmt.Errorf("%w: read ELF header: %v", hv.ErrIO, err)
	}
	defer f.Close()

	if err := validateHeader(f); err != nil {
		return nil, err
	}

	var (
		loads []*elf.Prog
		total int64
	)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: ELF segment file size %#x exceeds mem size %#x", hv.ErrInvalidImage, prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt64-total) {
			return nil, fmt.Errorf("%w: ELF segment file size %#x exceeds host limits", hv.ErrInvalidImage, prog.Filesz)
		}
		loads = append(loads, prog)
		total += int64(prog.Filesz)
	}
	if len(loads) == 0 {
		return nil, fmt.Errorf("%w: ELF image has no loadable segments", hv.ErrInvalidImage)
	}

	var progress io.Writer = io.Discard
	if opts.NewProgress != nil {
		if w := opts.NewProgress(total); w != nil {
			progress = w
		}
	}

	img := &Image{Entry: f.Entry}

	for i, prog := range loads {
		dst, err := mem.Slice(prog.Paddr, prog.Memsz)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d at %#x+%#x does not fit in guest memory: %v",
				hv.ErrInvalidImage, i, prog.Paddr, prog.Memsz, err)
		}

		src := io.TeeReader(io.NewSectionReader(prog, 0, int64(prog.Filesz)), progress)
		n, err := io.Copy(io.NewOffsetWriter(mem, int64(prog.Paddr)), src)
		if err == nil && n != int64(prog.Filesz) {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read ELF segment @%#x: %v", hv.ErrIO, prog.Off, err)
		}
		clear(dst[prog.Filesz:])

		img.Segments = append(img.Segments, Segment{
			PhysAddr: prog.Paddr,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
		})

		slog.Debug("loaded segment",
			"paddr", fmt.Sprintf("0x%x", prog.Paddr),
			"filesz", prog.Filesz,
			"memsz", prog.Memsz,
		)
	}

	first := img.Segments[0]
	img.BootInfo = first.PhysAddr
	img.KernelLog = first.PhysAddr + KernelLogOffset

	freq := opts.CPUFreqMHz
	if freq == 0 {
		freq = HostCPUFrequencyMHz()
	}

	block, err := bootinfo.At(mem, img.BootInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hv.ErrInvalidImage, err)
	}
	if err := block.Write(bootinfo.Fields{
		MemoryBase:  first.PhysAddr,
		MemoryLimit: mem.Size(),
		CPUFreqMHz:  freq,
		CPUs:        1,
		CurrentCPU:  0,
		FileSize:    first.FileSize,
		NUMANodes:   1,
		Uhyve:       1,
	}); err != nil {
		return nil, err
	}

	return img, nil
}
