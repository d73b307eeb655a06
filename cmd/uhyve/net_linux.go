//go:build linux

package main

import (
	"log/slog"

	"github.com/tinyrange/uhyve/internal/config"
	"github.com/tinyrange/uhyve/internal/hypercall"
	"github.com/tinyrange/uhyve/internal/netif"
	"github.com/tinyrange/uhyve/internal/pcap"
)

// openNetwork attaches the tap named in cfg, with an optional capture. It
// returns a nil device when networking is disabled. The returned func
// releases everything that was opened.
func openNetwork(cfg config.Config) (hypercall.NetDevice, func(), error) {
	if cfg.NetIf == "" {
		return nil, func() {}, nil
	}

	var capture *pcap.Recorder
	if cfg.PcapFile != "" {
		var err error
		capture, err = pcap.Create(cfg.PcapFile)
		if err != nil {
			return nil, nil, err
		}
	}

	dev, err := netif.Open(cfg.NetIf, netif.Options{Capture: capture})
	if err != nil {
		if capture != nil {
			capture.Close()
		}
		return nil, nil, err
	}

	return dev, func() {
		if err := dev.Close(); err != nil {
			slog.Error("close network interface", "error", err)
		}
		if capture != nil {
			if err := capture.Close(); err != nil {
				slog.Error("close packet capture", "error", err)
			}
		}
	}, nil
}
