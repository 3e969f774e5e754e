// ARM64 EL2 hypervisor core support
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

// PSCI (Power State Coordination Interface) function identifiers, SMCCC
// v1.1 fast calls (§4.A "PSCI is implemented by forwarding ...  SMC64
// calls", §6 "PSCI").
const (
	PSCI_VERSION           = 0x84000000
	PSCI_CPU_OFF           = 0x84000002
	PSCI_CPU_ON_64         = 0xc4000003
	PSCI_AFFINITY_INFO_64  = 0xc4000004
	PSCI_MIGRATE_INFO_TYPE = 0x84000006
	PSCI_SYSTEM_OFF        = 0x84000008
	PSCI_SYSTEM_RESET      = 0x84000009
	PSCI_FEATURES          = 0x8400000a
)

// PSCI return codes (SMCCC v1.1).
const (
	PSCISuccess      = 0
	PSCINotSupported = -1
)

// defined in psci.s
func smc_call(fid uint64, a1, a2, a3 uint64) (r0, r1, r2 uint64)

// PSCIVersion issues the PSCI_VERSION SMC, used at boot to confirm an
// EL3 firmware (or QEMU's built-in PSCI implementation) is present
// beneath EL2.
func (cpu *CPU) PSCIVersion() uint64 {
	r0, _, _ := smc_call(PSCI_VERSION, 0, 0, 0)
	return r0
}

// PSCICPUOn forwards a CPU_ON_64 SMC to bring up the physical core
// identified by mpidr, entering entry with x0=ctx. This is the
// mechanism PSCI_CPU_ON hypercalls (§4.A "guest CPU_ON becomes a
// Power IPI") ultimately bottom out in when the hypervisor itself
// needs to wake an idle pCPU (as opposed to waking a Sleep vCPU on an
// already-running pCPU, which never needs PSCI).
func (cpu *CPU) PSCICPUOn(mpidr, entry, ctx uint64) uint64 {
	r0, _, _ := smc_call(PSCI_CPU_ON_64, mpidr, entry, ctx)
	return r0
}

// PSCISystemReset forwards SYSTEM_RESET to EL3, rebooting the whole
// physical machine. Only used by the hypervisor's own fatal-error
// path, never as a side effect of a guest SYSTEM_RESET (that only
// reboots the guest's VM, see package vm).
func (cpu *CPU) PSCISystemReset() {
	smc_call(PSCI_SYSTEM_RESET, 0, 0, 0)
}

// PSCISystemOff forwards SYSTEM_OFF to EL3, powering off the physical
// machine.
func (cpu *CPU) PSCISystemOff() {
	smc_call(PSCI_SYSTEM_OFF, 0, 0, 0)
}
