package hypercall

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/uhyve/internal/hv"
	"golang.org/x/sys/unix"
)

const (
	recordAddr = 0x1000
	nameAddr   = 0x2000
	bufAddr    = 0x3000
)

func payload(gpa uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, gpa)
	return b
}

type guest struct {
	t      *testing.T
	mem    *hv.GuestMemory
	bridge *Bridge
}

func newGuest(t *testing.T, net NetDevice) *guest {
	mem := hv.NewGuestMemory(make([]byte, 0x10000))
	return &guest{t: t, mem: mem, bridge: NewBridge(mem, net)}
}

// call places rec at recordAddr, issues the hypercall and returns the
// record as the host left it.
func (g *guest) call(port uint16, rec []byte) []byte {
	g.t.Helper()

	if _, err := g.mem.WriteAt(rec, recordAddr); err != nil {
		g.t.Fatalf("write record: %v", err)
	}
	if err := g.bridge.Handle(port, payload(recordAddr)); err != nil {
		g.t.Fatalf("Handle(%s): %v", PortName(port), err)
	}
	out, err := g.mem.Slice(recordAddr, uint64(len(rec)))
	if err != nil {
		g.t.Fatalf("read record: %v", err)
	}
	return append([]byte(nil), out...)
}

func (g *guest) open(path string, flags int, mode uint32) int32 {
	g.t.Helper()

	if _, err := g.mem.WriteAt(append([]byte(path), 0), nameAddr); err != nil {
		g.t.Fatalf("write name: %v", err)
	}
	out := g.call(PortOpen, OpenRequest{Name: nameAddr, Flags: int32(flags), Mode: int32(mode)}.Encode())
	return DecodeOpenRequest(out).Ret
}

func (g *guest) read(fd int32, n uint64) []byte {
	g.t.Helper()

	out := DecodeReadRequest(g.call(PortRead, ReadRequest{FD: fd, Buf: bufAddr, Len: n}.Encode()))
	if out.Ret < 0 {
		g.t.Fatalf("read returned %d", out.Ret)
	}
	data, _ := g.mem.Slice(bufAddr, uint64(out.Ret))
	return append([]byte(nil), data...)
}

func (g *guest) lseek(fd int32, offset int64, whence int) int64 {
	g.t.Helper()
	return DecodeLseekRequest(g.call(PortLseek, LseekRequest{FD: fd, Offset: offset, Whence: int32(whence)}.Encode())).Offset
}

func TestFileRoundTrip(t *testing.T) {
	g := newGuest(t, nil)
	path := filepath.Join(t.TempDir(), "data.txt")

	fd := g.open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if fd < 3 {
		t.Fatalf("open returned %d", fd)
	}

	content := []byte("hello, unikernel")
	if _, err := g.mem.WriteAt(content, bufAddr); err != nil {
		t.Fatal(err)
	}
	out := DecodeWriteRequest(g.call(PortWrite, WriteRequest{FD: fd, Buf: bufAddr, Len: uint64(len(content))}.Encode()))
	if out.Len != uint64(len(content)) {
		t.Fatalf("write len = %d, want %d", out.Len, len(content))
	}

	if pos := g.lseek(fd, 0, unix.SEEK_SET); pos != 0 {
		t.Fatalf("lseek = %d, want 0", pos)
	}

	first := g.read(fd, 5)
	rest := g.read(fd, 64)
	if got := string(first) + string(rest); got != string(content) {
		t.Fatalf("read back %q, want %q", got, content)
	}

	if pos := g.lseek(fd, 0, unix.SEEK_SET); pos != 0 {
		t.Fatalf("lseek = %d, want 0", pos)
	}
	if again := g.read(fd, 5); string(again) != string(first) {
		t.Fatalf("reread %q, want %q", again, first)
	}

	if pos := g.lseek(fd, 0, unix.SEEK_END); pos != int64(len(content)) {
		t.Fatalf("lseek end = %d, want %d", pos, len(content))
	}

	closed := DecodeCloseRequest(g.call(PortClose, CloseRequest{FD: fd, Ret: 99}.Encode()))
	if closed.Ret != 0 {
		t.Fatalf("close ret = %d, want 0", closed.Ret)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(content, onDisk); diff != "" {
		t.Fatalf("file contents mismatch (-want +got):\n%s", diff)
	}
}

func TestHostFailuresAreReturnedToGuest(t *testing.T) {
	g := newGuest(t, nil)

	if fd := g.open(filepath.Join(t.TempDir(), "missing"), unix.O_RDONLY, 0); fd != -1 {
		t.Fatalf("open missing file = %d, want -1", fd)
	}

	out := DecodeReadRequest(g.call(PortRead, ReadRequest{FD: 1000, Buf: bufAddr, Len: 4}.Encode()))
	if out.Ret != -1 {
		t.Fatalf("read bad fd ret = %d, want -1", out.Ret)
	}

	w := DecodeWriteRequest(g.call(PortWrite, WriteRequest{FD: 1000, Buf: bufAddr, Len: 4}.Encode()))
	if int64(w.Len) != -1 {
		t.Fatalf("write bad fd len = %d, want -1", int64(w.Len))
	}

	if pos := g.lseek(1000, 0, unix.SEEK_SET); pos != -1 {
		t.Fatalf("lseek bad fd = %d, want -1", pos)
	}

	c := DecodeCloseRequest(g.call(PortClose, CloseRequest{FD: 1000}.Encode()))
	if c.Ret != -1 {
		t.Fatalf("close bad fd ret = %d, want -1", c.Ret)
	}
}

func TestCloseKeepsStdio(t *testing.T) {
	g := newGuest(t, nil)

	for fd := int32(0); fd <= 2; fd++ {
		c := DecodeCloseRequest(g.call(PortClose, CloseRequest{FD: fd, Ret: 77}.Encode()))
		if c.Ret != 77 {
			t.Fatalf("close(%d) ret = %d, want unchanged 77", fd, c.Ret)
		}
	}
	if _, err := unix.FcntlInt(2, unix.F_GETFD, 0); err != nil {
		t.Fatalf("stderr was closed: %v", err)
	}
}

func TestExit(t *testing.T) {
	g := newGuest(t, nil)

	status := make([]byte, 4)
	binary.LittleEndian.PutUint32(status, 42)
	if _, err := g.mem.WriteAt(status, recordAddr); err != nil {
		t.Fatal(err)
	}

	err := g.bridge.Handle(PortExit, payload(recordAddr))
	var exit *ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("Handle(exit) = %v, want *ExitError", err)
	}
	if exit.Status != 42 {
		t.Fatalf("exit status = %d, want 42", exit.Status)
	}
}

func TestUnknownPort(t *testing.T) {
	g := newGuest(t, nil)

	if err := g.bridge.Handle(0x3f8, payload(recordAddr)); !errors.Is(err, hv.ErrPlatform) {
		t.Fatalf("Handle(0x3f8) = %v, want ErrPlatform", err)
	}
	if IsHypercallPort(0x3f8) || !IsHypercallPort(PortNetRead) {
		t.Fatal("IsHypercallPort misclassifies ports")
	}
}

func TestOutOfRangeRecord(t *testing.T) {
	g := newGuest(t, nil)

	if err := g.bridge.Handle(PortRead, payload(0xfff0)); !errors.Is(err, hv.ErrGuestAccess) {
		t.Fatalf("Handle with record past end = %v, want ErrGuestAccess", err)
	}
	if err := g.bridge.Handle(PortWrite, []byte{1, 2}); !errors.Is(err, hv.ErrPlatform) {
		t.Fatalf("Handle with short payload = %v, want ErrPlatform", err)
	}
}

type fakeNet struct {
	mac     string
	rx      [][]byte
	tx      [][]byte
	shortTx bool
}

func (f *fakeNet) MAC() string { return f.mac }

func (f *fakeNet) WriteFrame(frame []byte) (int, error) {
	f.tx = append(f.tx, append([]byte(nil), frame...))
	if f.shortTx {
		return len(frame) - 1, nil
	}
	return len(frame), nil
}

func (f *fakeNet) ReadFrame(buf []byte) (int, error) {
	if len(f.rx) == 0 {
		return 0, ErrNoFrame
	}
	n := copy(buf, f.rx[0])
	f.rx = f.rx[1:]
	return n, nil
}

func TestNetRead(t *testing.T) {
	net := &fakeNet{mac: "52:54:00:12:34:56"}
	g := newGuest(t, net)

	out := DecodeNetRequest(g.call(PortNetRead, NetRequest{Data: bufAddr, Len: 1514}.Encode()))
	if out.Ret != -1 {
		t.Fatalf("net-read on empty queue ret = %d, want -1", out.Ret)
	}
	if out.Len != 1514 {
		t.Fatalf("net-read on empty queue changed len to %d", out.Len)
	}

	frame := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1, 2, 3, 4, 5, 6, 0x08, 0x06}
	net.rx = append(net.rx, frame)

	out = DecodeNetRequest(g.call(PortNetRead, NetRequest{Data: bufAddr, Len: 1514}.Encode()))
	if out.Ret != 0 || out.Len != uint64(len(frame)) {
		t.Fatalf("net-read = %+v, want ret 0 len %d", out, len(frame))
	}
	got, _ := g.mem.Slice(bufAddr, uint64(len(frame)))
	if diff := cmp.Diff(frame, got); diff != "" {
		t.Fatalf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestNetWriteAndInfo(t *testing.T) {
	net := &fakeNet{mac: "52:54:00:12:34:56"}
	g := newGuest(t, net)

	frame := []byte("not really ethernet")
	if _, err := g.mem.WriteAt(frame, bufAddr); err != nil {
		t.Fatal(err)
	}
	out := DecodeNetRequest(g.call(PortNetWrite, NetRequest{Data: bufAddr, Len: uint64(len(frame)), Ret: 5}.Encode()))
	if out.Ret != 0 {
		t.Fatalf("net-write ret = %d, want 0", out.Ret)
	}
	if diff := cmp.Diff([][]byte{frame}, net.tx); diff != "" {
		t.Fatalf("sent frames mismatch (-want +got):\n%s", diff)
	}

	info := g.call(PortNetInfo, make([]byte, MACStringSize))
	if got := string(info[:17]); got != net.mac || info[17] != 0 {
		t.Fatalf("net-info = %q, want %q with terminator", info, net.mac)
	}

	net.shortTx = true
	if _, err := g.mem.WriteAt(NetRequest{Data: bufAddr, Len: uint64(len(frame))}.Encode(), recordAddr); err != nil {
		t.Fatal(err)
	}
	if err := g.bridge.Handle(PortNetWrite, payload(recordAddr)); !errors.Is(err, hv.ErrPlatform) {
		t.Fatalf("short net-write = %v, want ErrPlatform", err)
	}
}

func TestNetWithoutDevice(t *testing.T) {
	g := newGuest(t, nil)

	info := g.call(PortNetInfo, []byte("xxxxxxxxxxxxxxxxxx"))
	for i, b := range info {
		if b != 0 {
			t.Fatalf("net-info byte %d = 0x%x, want 0", i, b)
		}
	}

	if err := g.bridge.Handle(PortNetRead, payload(recordAddr)); !errors.Is(err, hv.ErrPlatform) {
		t.Fatalf("net-read without device = %v, want ErrPlatform", err)
	}
}
