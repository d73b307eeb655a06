//go:build linux && amd64

package kvm

import (
	"testing"

	"github.com/tinyrange/uhyve/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if hv.Architecture() != "x86_64" {
		t.Errorf("Architecture = %q, want x86_64", hv.Architecture())
	}

	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.VMConfig{MemorySize: 0x400000, IRQChip: true})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}

	if got := vm.Memory().Size(); got != 0x400000 {
		t.Errorf("Memory().Size() = 0x%x, want 0x400000", got)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
}

func TestNewVirtualMachineZeroMemory(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	if _, err := kvm.NewVirtualMachine(hv.VMConfig{}); err == nil {
		t.Fatal("NewVirtualMachine with zero memory succeeded")
	}
}

func TestNewVirtualCPUs(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.VMConfig{MemorySize: 0x400000, IRQChip: true})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	for i := 0; i < 4; i++ {
		vcpu, err := vm.NewVirtualCPU(i)
		if err != nil {
			t.Fatalf("NewVirtualCPU(%d): %v", i, err)
		}
		if vcpu.ID() != i {
			t.Errorf("vCPU %d has wrong ID: got %d", i, vcpu.ID())
		}
	}
}
