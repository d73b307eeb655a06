// Package hypercall implements the port I/O protocol a guest uses to ask the
// host for file I/O, process exit and raw network frames.
//
// A hypercall is an OUT to one of the ports below. The 32-bit value written
// is the guest physical address of a fixed-layout request record. The host
// services the request and writes results back into the same record.
package hypercall

import "fmt"

const (
	PortWrite    uint16 = 0x499
	PortOpen     uint16 = 0x500
	PortClose    uint16 = 0x501
	PortRead     uint16 = 0x502
	PortExit     uint16 = 0x503
	PortLseek    uint16 = 0x504
	PortNetInfo  uint16 = 0x505
	PortNetWrite uint16 = 0x506
	PortNetRead  uint16 = 0x507
)

var portNames = map[uint16]string{
	PortWrite:    "write",
	PortOpen:     "open",
	PortClose:    "close",
	PortRead:     "read",
	PortExit:     "exit",
	PortLseek:    "lseek",
	PortNetInfo:  "netinfo",
	PortNetWrite: "netwrite",
	PortNetRead:  "netread",
}

// IsHypercallPort reports whether port belongs to the protocol.
func IsHypercallPort(port uint16) bool {
	_, ok := portNames[port]
	return ok
}

// PortName returns the operation served on port.
func PortName(port uint16) string {
	if name, ok := portNames[port]; ok {
		return name
	}
	return fmt.Sprintf("port(0x%x)", port)
}
