//go:build linux

// Package netif attaches the guest's network interface to a host tap
// device. Frames are moved one read or write at a time and the tap is
// non-blocking, so an empty receive queue never stalls a vCPU.
package netif

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tinyrange/uhyve/internal/hypercall"
	"github.com/tinyrange/uhyve/internal/pcap"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/link/tun"
)

// Options configure an attached device.
type Options struct {
	// Capture, if set, receives a copy of every frame in both directions.
	Capture *pcap.Recorder
}

// Device is an open tap interface.
type Device struct {
	name    string
	fd      int
	mac     net.HardwareAddr
	capture *pcap.Recorder

	closeOnce sync.Once
}

var _ hypercall.NetDevice = (*Device)(nil)

// Open attaches to the tap interface called name, creating it if the
// caller is allowed to, and brings the link up. The guest is given the
// interface's hardware address.
func Open(name string, opts Options) (*Device, error) {
	fd, err := openTap(name)
	if err != nil {
		return nil, fmt.Errorf("open tap %q: %w", name, err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("look up link %q: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			// an unprivileged user can still use a tap set up by root
			slog.Warn("netif: bring link up", "name", name, "error", err)
		}
	}

	mac := link.Attrs().HardwareAddr
	if len(mac) != 6 {
		unix.Close(fd)
		return nil, fmt.Errorf("link %q has no Ethernet address", name)
	}

	slog.Debug("netif: attached tap", "name", name, "mac", mac.String())

	return newDevice(name, fd, mac, opts), nil
}

func newDevice(name string, fd int, mac net.HardwareAddr, opts Options) *Device {
	return &Device{
		name:    name,
		fd:      fd,
		mac:     mac,
		capture: opts.Capture,
	}
}

func openTap(name string) (int, error) {
	fd, err := tun.OpenTAP(name)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)

	// frames are polled from the vCPU thread and must never block it
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// Name returns the host interface name.
func (d *Device) Name() string { return d.name }

// MAC implements hypercall.NetDevice.
func (d *Device) MAC() string { return d.mac.String() }

// WriteFrame implements hypercall.NetDevice.
func (d *Device) WriteFrame(frame []byte) (int, error) {
	for {
		n, err := unix.Write(d.fd, frame)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		d.record(frame[:n])
		return n, nil
	}
}

// ReadFrame implements hypercall.NetDevice.
func (d *Device) ReadFrame(buf []byte) (int, error) {
	for {
		n, err := unix.Read(d.fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, hypercall.ErrNoFrame
		case err != nil:
			return 0, err
		case n == 0:
			return 0, hypercall.ErrNoFrame
		}
		d.record(buf[:n])
		return n, nil
	}
}

func (d *Device) record(frame []byte) {
	if d.capture == nil {
		return
	}
	if err := d.capture.Record(frame); err != nil {
		slog.Warn("netif: capture frame", "error", err)
	}
}

// Close releases the tap. The capture recorder is owned by the caller.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = unix.Close(d.fd)
	})
	if err != nil {
		return fmt.Errorf("close tap %q: %w", d.name, err)
	}
	return nil
}
