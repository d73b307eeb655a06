//go:build linux

package netif

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/tinyrange/uhyve/internal/hypercall"
	"github.com/tinyrange/uhyve/internal/pcap"
	"golang.org/x/sys/unix"
)

// newPairedDevice returns a Device backed by one end of a datagram socket
// pair, and the other end standing in for the host network.
func newPairedDevice(t *testing.T, opts Options) (*Device, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })

	mac := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	dev := newDevice("test0", fds[0], mac, opts)
	t.Cleanup(func() { dev.Close() })

	return dev, fds[1]
}

func TestReadFrameEmptyQueue(t *testing.T) {
	dev, _ := newPairedDevice(t, Options{})

	buf := make([]byte, 1514)
	if _, err := dev.ReadFrame(buf); !errors.Is(err, hypercall.ErrNoFrame) {
		t.Fatalf("ReadFrame on empty queue = %v, want ErrNoFrame", err)
	}
}

func TestFramesRoundTrip(t *testing.T) {
	dev, peer := newPairedDevice(t, Options{})

	if got := dev.MAC(); got != "52:54:00:12:34:56" {
		t.Fatalf("MAC = %q", got)
	}

	out := []byte("frame from guest")
	if n, err := dev.WriteFrame(out); err != nil || n != len(out) {
		t.Fatalf("WriteFrame = %d, %v", n, err)
	}
	buf := make([]byte, 64)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if !bytes.Equal(buf[:n], out) {
		t.Fatalf("peer got %q, want %q", buf[:n], out)
	}

	in := []byte("frame to guest")
	if _, err := unix.Write(peer, in); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	n, err = dev.ReadFrame(buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(buf[:n], in) {
		t.Fatalf("ReadFrame got %q, want %q", buf[:n], in)
	}
}

func TestCapture(t *testing.T) {
	var sink bytes.Buffer
	mem, err := pcap.NewRecorder(&sink, 0)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	dev, peer := newPairedDevice(t, Options{Capture: mem})

	if _, err := dev.WriteFrame([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := unix.Write(peer, []byte{4, 5}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if _, err := dev.ReadFrame(make([]byte, 16)); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := mem.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// header plus two records of 16 bytes each and 5 frame bytes
	if want := 24 + 2*16 + 5; sink.Len() != want {
		t.Fatalf("capture is %d bytes, want %d", sink.Len(), want)
	}
}

func TestOpenTap(t *testing.T) {
	if unix.Geteuid() != 0 {
		t.Skip("creating a tap device requires root")
	}

	dev, err := Open("uhyvetest0", Options{})
	if err != nil {
		t.Skipf("tap not available: %v", err)
	}
	defer dev.Close()

	if len(dev.MAC()) != 17 {
		t.Fatalf("MAC = %q, want 17 characters", dev.MAC())
	}

	flags, err := unix.FcntlInt(uintptr(dev.fd), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("F_GETFL: %v", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Fatalf("tap fd is blocking")
	}
	fdFlags, err := unix.FcntlInt(uintptr(dev.fd), unix.F_GETFD, 0)
	if err != nil {
		t.Fatalf("F_GETFD: %v", err)
	}
	if fdFlags&unix.FD_CLOEXEC == 0 {
		t.Fatalf("tap fd is inherited by child processes")
	}
	if _, err := dev.ReadFrame(make([]byte, 1514)); err != nil && !errors.Is(err, hypercall.ErrNoFrame) {
		t.Fatalf("ReadFrame = %v", err)
	}
}
