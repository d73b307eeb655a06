package hv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// GuestMemory is the flat guest physical address space. Guest physical
// addresses are plain offsets into the backing buffer; every accessor checks
// that the requested range lies inside it.
//
// GuestMemory does not serialize access. The host and all vCPU threads share
// it, and callers follow a single-writer discipline per structure.
type GuestMemory struct {
	mem []byte
}

func NewGuestMemory(mem []byte) *GuestMemory {
	return &GuestMemory{mem: mem}
}

func (m *GuestMemory) Size() uint64 { return uint64(len(m.mem)) }

func (m *GuestMemory) check(gpa, size uint64) error {
	end := gpa + size
	if end < gpa || end > uint64(len(m.mem)) {
		return fmt.Errorf("%w: gpa=0x%x size=0x%x limit=0x%x", ErrGuestAccess, gpa, size, len(m.mem))
	}
	return nil
}

// Slice returns a view of [gpa, gpa+size). Writes through the view are
// visible to the guest.
func (m *GuestMemory) Slice(gpa, size uint64) ([]byte, error) {
	if err := m.check(gpa, size); err != nil {
		return nil, err
	}
	return m.mem[gpa : gpa+size : gpa+size], nil
}

// WriteAt makes guest memory an io.WriterAt addressed by guest physical
// address.
func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrGuestAccess, off)
	}
	if err := m.check(uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(m.mem[off:], p), nil
}

// Zero clears [gpa, gpa+size).
func (m *GuestMemory) Zero(gpa, size uint64) error {
	b, err := m.Slice(gpa, size)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

func (m *GuestMemory) Uint32(gpa uint64) (uint32, error) {
	b, err := m.Slice(gpa, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *GuestMemory) PutUint32(gpa uint64, v uint32) error {
	b, err := m.Slice(gpa, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (m *GuestMemory) Uint64(gpa uint64) (uint64, error) {
	b, err := m.Slice(gpa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *GuestMemory) PutUint64(gpa uint64, v uint64) error {
	b, err := m.Slice(gpa, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// CString reads a NUL-terminated string starting at gpa, scanning at most
// max bytes (bounded by the end of guest memory). A string without a
// terminator inside the window is returned truncated.
func (m *GuestMemory) CString(gpa, max uint64) (string, error) {
	if err := m.check(gpa, 0); err != nil {
		return "", err
	}
	window := m.mem[gpa:]
	if uint64(len(window)) > max {
		window = window[:max]
	}
	if i := bytes.IndexByte(window, 0); i >= 0 {
		window = window[:i]
	}
	return string(window), nil
}

// AtomicUint32 returns a 32-bit word of guest memory that can be accessed
// atomically by several host threads while the guest also touches it.
func (m *GuestMemory) AtomicUint32(gpa uint64) (*atomic.Uint32, error) {
	if gpa%4 != 0 {
		return nil, fmt.Errorf("%w: unaligned atomic word at 0x%x", ErrGuestAccess, gpa)
	}
	b, err := m.Slice(gpa, 4)
	if err != nil {
		return nil, err
	}
	return (*atomic.Uint32)(unsafe.Pointer(&b[0])), nil
}
