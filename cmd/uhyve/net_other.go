//go:build !linux

package main

import (
	"fmt"

	"github.com/tinyrange/uhyve/internal/config"
	"github.com/tinyrange/uhyve/internal/hv"
	"github.com/tinyrange/uhyve/internal/hypercall"
)

func openNetwork(cfg config.Config) (hypercall.NetDevice, func(), error) {
	if cfg.NetIf == "" {
		return nil, func() {}, nil
	}
	return nil, nil, fmt.Errorf("%w: tap networking", hv.ErrHypervisorUnsupported)
}
