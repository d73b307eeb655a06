package hypercall

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/uhyve/internal/hv"
	"golang.org/x/sys/unix"
)

// ErrNoFrame is returned by NetDevice.ReadFrame when no frame is queued.
var ErrNoFrame = errors.New("no frame available")

// NetDevice is the host side of the guest's network interface.
type NetDevice interface {
	// MAC returns the address in "aa:bb:cc:dd:ee:ff" form.
	MAC() string
	// WriteFrame sends one Ethernet frame.
	WriteFrame(frame []byte) (int, error)
	// ReadFrame receives one Ethernet frame without blocking. It returns
	// ErrNoFrame when the receive queue is empty.
	ReadFrame(buf []byte) (int, error)
}

// ExitError reports a guest-requested process exit.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("guest exited with status %d", e.Status)
}

// Bridge services hypercalls against one guest memory image. It holds no
// per-call state and may be shared by every vCPU thread.
type Bridge struct {
	mem *hv.GuestMemory
	net NetDevice
}

// NewBridge returns a bridge for mem. net may be nil when the guest has no
// network interface.
func NewBridge(mem *hv.GuestMemory, net NetDevice) *Bridge {
	return &Bridge{mem: mem, net: net}
}

// Handle services the hypercall on port whose payload is data, the bytes the
// guest wrote to the port. It returns *ExitError for the exit hypercall and
// an hv.ErrPlatform or hv.ErrGuestAccess error when the request cannot be
// serviced at all. Failures of the host operation itself are reported to
// the guest in the record and are not errors.
func (b *Bridge) Handle(port uint16, data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: hypercall %s: payload of %d bytes", hv.ErrPlatform, PortName(port), len(data))
	}
	gpa := uint64(binary.LittleEndian.Uint32(data))

	var err error
	switch port {
	case PortWrite:
		err = b.write(gpa)
	case PortRead:
		err = b.read(gpa)
	case PortOpen:
		err = b.open(gpa)
	case PortClose:
		err = b.close(gpa)
	case PortLseek:
		err = b.lseek(gpa)
	case PortExit:
		err = b.exit(gpa)
	case PortNetInfo:
		err = b.netInfo(gpa)
	case PortNetWrite:
		err = b.netWrite(gpa)
	case PortNetRead:
		err = b.netRead(gpa)
	default:
		return fmt.Errorf("%w: unhandled I/O port 0x%x", hv.ErrPlatform, port)
	}

	var exit *ExitError
	if err != nil && !errors.As(err, &exit) {
		return fmt.Errorf("hypercall %s: %w", PortName(port), err)
	}
	return err
}

// ignoringEINTR retries fn while it fails with EINTR.
func ignoringEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}

func (b *Bridge) write(gpa uint64) error {
	r, err := loadRecord(b.mem, gpa, writeRecordSize)
	if err != nil {
		return err
	}
	fd, buf, n := r.i32(0), r.u64(4), r.u64(12)

	p, err := b.mem.Slice(buf, n)
	if err != nil {
		return err
	}

	written, err := ignoringEINTR(func() (int, error) { return unix.Write(int(fd), p) })
	if err != nil {
		slog.Debug("hypercall write failed", "fd", fd, "error", err)
		written = -1
	}
	r.putI64(12, int64(written))
	return nil
}

func (b *Bridge) read(gpa uint64) error {
	r, err := loadRecord(b.mem, gpa, readRecordSize)
	if err != nil {
		return err
	}
	fd, buf, n := r.i32(0), r.u64(4), r.u64(12)

	p, err := b.mem.Slice(buf, n)
	if err != nil {
		return err
	}

	got, err := ignoringEINTR(func() (int, error) { return unix.Read(int(fd), p) })
	if err != nil {
		slog.Debug("hypercall read failed", "fd", fd, "error", err)
		got = -1
	}
	r.putI64(20, int64(got))
	return nil
}

func (b *Bridge) open(gpa uint64) error {
	r, err := loadRecord(b.mem, gpa, openRecordSize)
	if err != nil {
		return err
	}

	name, err := b.mem.CString(r.u64(0), maxPathLen)
	if err != nil {
		return err
	}
	flags, mode := r.i32(8), r.i32(12)

	fd, err := ignoringEINTR(func() (int, error) { return unix.Open(name, int(flags), uint32(mode)) })
	if err != nil {
		slog.Debug("hypercall open failed", "name", name, "error", err)
		fd = -1
	}
	r.putI32(16, int32(fd))
	return nil
}

func (b *Bridge) close(gpa uint64) error {
	r, err := loadRecord(b.mem, gpa, closeRecordSize)
	if err != nil {
		return err
	}
	fd := r.i32(0)

	// the host's own stdio stays open
	if fd <= 2 {
		return nil
	}

	ret := int32(0)
	if err := unix.Close(int(fd)); err != nil {
		slog.Debug("hypercall close failed", "fd", fd, "error", err)
		ret = -1
	}
	r.putI32(4, ret)
	return nil
}

func (b *Bridge) lseek(gpa uint64) error {
	r, err := loadRecord(b.mem, gpa, lseekRecordSize)
	if err != nil {
		return err
	}
	fd, offset, whence := r.i32(0), r.i64(4), r.i32(12)

	pos, err := unix.Seek(int(fd), offset, int(whence))
	if err != nil {
		slog.Debug("hypercall lseek failed", "fd", fd, "error", err)
		pos = -1
	}
	r.putI64(4, pos)
	return nil
}

func (b *Bridge) exit(gpa uint64) error {
	r, err := loadRecord(b.mem, gpa, exitRecordSize)
	if err != nil {
		return err
	}
	return &ExitError{Status: int(r.i32(0))}
}

func (b *Bridge) netInfo(gpa uint64) error {
	r, err := loadRecord(b.mem, gpa, netInfoRecordSize)
	if err != nil {
		return err
	}

	clear(r)
	if b.net != nil {
		copy(r[:MACStringSize-1], b.net.MAC())
	}
	return nil
}

func (b *Bridge) netDevice() (NetDevice, error) {
	if b.net == nil {
		return nil, fmt.Errorf("%w: guest has no network interface", hv.ErrPlatform)
	}
	return b.net, nil
}

func (b *Bridge) netWrite(gpa uint64) error {
	dev, err := b.netDevice()
	if err != nil {
		return err
	}
	r, err := loadRecord(b.mem, gpa, netRecordSize)
	if err != nil {
		return err
	}

	frame, err := b.mem.Slice(r.u64(0), r.u64(8))
	if err != nil {
		return err
	}

	n, err := dev.WriteFrame(frame)
	if err != nil {
		return fmt.Errorf("%w: write frame: %v", hv.ErrPlatform, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: short frame write %d of %d bytes", hv.ErrPlatform, n, len(frame))
	}
	r.putI32(16, 0)
	return nil
}

func (b *Bridge) netRead(gpa uint64) error {
	dev, err := b.netDevice()
	if err != nil {
		return err
	}
	r, err := loadRecord(b.mem, gpa, netRecordSize)
	if err != nil {
		return err
	}

	buf, err := b.mem.Slice(r.u64(0), r.u64(8))
	if err != nil {
		return err
	}

	n, err := dev.ReadFrame(buf)
	switch {
	case errors.Is(err, ErrNoFrame), err == nil && n == 0:
		r.putI32(16, -1)
		return nil
	case err != nil:
		return fmt.Errorf("%w: read frame: %v", hv.ErrPlatform, err)
	}

	r.putU64(8, uint64(n))
	r.putI32(16, 0)
	return nil
}
