//go:build linux && amd64

package factory

import (
	"github.com/tinyrange/uhyve/internal/hv"
	"github.com/tinyrange/uhyve/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
