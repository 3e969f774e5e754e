// ARM64 EL2 hypervisor core support
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package arm64 provides support for the ARMv8-A architecture specific
// operations the hypervisor needs while resident at EL2: MMU/cache
// bring-up, the EL2 exception vector table, the generic timer and PSCI
// forwarding.
//
// This package is only meant to be used with `GOOS=tamago GOARCH=arm64` as
// supported by the TamaGo framework for bare metal Go, see
// https://github.com/usbarmory/tamago.
package arm64

import (
	"runtime"
)

// HCR_EL2 configuration bits (D13.2.46, ARM Architecture Reference Manual
// ARMv8, for ARMv8-A architecture profile).
const (
	HCR_VM  = 0  // stage-2 translation enable
	HCR_FMO = 3  // physical FIQ routing
	HCR_IMO = 4  // physical IRQ routing
	HCR_TSC = 19 // trap SMC instructions
	HCR_TWI = 13 // trap WFI
	HCR_RW  = 31 // EL1 execution state is AArch64
)

// CPU represents a physical core instance executing at EL2.
type CPU struct {
	// Timer multiplier
	TimerMultiplier float64
	// Timer offset in nanoseconds
	TimerOffset int64

	// TrapWFI enables HCR_EL2.TWI so that guest WFI execution traps to
	// EL2 instead of suspending the physical core (§4.D).
	TrapWFI bool

	vbar uint64
}

// defined in arm64.s
func exit(int32)
func read_hcr_el2() uint64
func write_hcr_el2(uint64)
func read_mpidr_el1() uint64

// CoreID returns the Aff0 field of MPIDR_EL1, the running physical
// core's index (§6 "Boot protocol. ... The bootstrap computes core_id
// from MPIDR_EL1"). Used both at boot, to decide which core performs
// one-time setup, and afterwards by PSCI emulation to identify which
// pCPU issued a CPU_ON/CPU_OFF call.
func CoreID() int {
	return int(read_mpidr_el1() & 0xff)
}

// Init performs EL2 bring-up of a physical core: MMU/cache state, the
// exception vector table and HCR_EL2. vbar must point to a 64 kB memory
// area reserved for the vector table, translation tables and exception
// stack (see https://github.com/usbarmory/tamago/wiki/Internals#memory-layout).
func (cpu *CPU) Init(vbar uint64) {
	runtime.Exit = exit

	if vecTableStart != 0 {
		vbar = vecTableStart
	}

	cpu.vbar = vbar
	cpu.initVectorTable()

	hcr := uint64(1<<HCR_VM | 1<<HCR_RW | 1<<HCR_IMO | 1<<HCR_FMO | 1<<HCR_TSC)

	if cpu.TrapWFI {
		hcr |= 1 << HCR_TWI
	}

	write_hcr_el2(hcr)
}
