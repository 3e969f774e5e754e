// ARM64 EL2 hypervisor core support
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

import (
	"github.com/usbarmory/hyperv/internal/exception"
)

var (
	// set by application or, if not previously defined, by cpu.Init()
	vecTableStart uint64
	isThrowing    bool
)

// EL2 vector table entry offsets (Table D1-7, ARM Architecture Reference
// Manual ARMv8, for ARMv8-A architecture profile). Each of the four
// exception classes (current EL with SP0, current EL with SPx, lower EL
// AArch64, lower EL AArch32) carries Sync/IRQ/FIQ/SError slots, 0x80
// bytes apart.
const (
	CurrentELSP0Sync = 0x000
	CurrentELSP0IRQ  = 0x080
	CurrentELSPxSync = 0x200
	CurrentELSPxIRQ  = 0x280
	LowerEL64Sync    = 0x400
	LowerEL64IRQ     = 0x480
	LowerEL64SError  = 0x580
	LowerEL32Sync    = 0x600
	LowerEL32IRQ     = 0x680
)

// ESR_EL2.EC exception class values (Table D13-28, ARM Architecture
// Reference Manual ARMv8) — the entries the trap dispatcher (package
// trap) demultiplexes on.
const (
	ECUnknown     = 0x00
	ECWFIorWFE    = 0x01
	ECTrappedMSR  = 0x18 // TrappedMsrMrs
	ECHVC64       = 0x16
	ECSMC64       = 0x17
	ECDataAbort   = 0x24 // from a lower exception level
	ECDataAbortEL = 0x25 // from EL2 itself
)

// defined in exception.s
func set_vbar(vbar uint64)
func read_esr_el2() uint64
func read_far_el2() uint64
func read_hpfar_el2() uint64
func read_elr_el2() uint64
func write_elr_el2(uint64)
func read_el() uint64

// ExceptionClass extracts ESR_EL2.EC (bits [31:26]).
func ExceptionClass(esr uint64) uint64 {
	return (esr >> 26) & 0x3f
}

// ExceptionSyndrome extracts ESR_EL2.ISS (bits [24:0]).
func ExceptionSyndrome(esr uint64) uint64 {
	return esr & 0x1ffffff
}

// InstructionLength reports whether the trapped instruction was 32-bit
// (ESR_EL2.IL), used to advance ELR_EL2 by the correct amount after an
// emulated access (§4.E "advance ELR by 4/2 bytes per ESR.IL").
func InstructionLength(esr uint64) int {
	if esr&(1<<25) != 0 {
		return 4
	}

	return 2
}

// DefaultExceptionHandler handles an exception by printing the current
// exception level and, via exception.Throw, the source location of pc
// before panicking.
func DefaultExceptionHandler(pc uintptr) {
	if isThrowing {
		exit(0)
	}

	isThrowing = true

	print("EL", int(read_el()&0b1100)>>2, " exception\n")
	exception.Throw(pc)
}

// SystemExceptionHandler allows overriding the default exception handler
// used by the vector table installed via CPU.Init().
var SystemExceptionHandler = DefaultExceptionHandler

func systemException(pc uintptr) {
	SystemExceptionHandler(pc)
}

//go:nosplit
func (cpu *CPU) initVectorTable() {
	set_vbar(cpu.vbar)
}

// AdvanceELR advances ELR_EL2 by n bytes, completing emulation of a
// trapped instruction (§4.E).
func (cpu *CPU) AdvanceELR(n uint64) {
	write_elr_el2(read_elr_el2() + n)
}

// FaultIPA computes the faulting IPA from FAR_EL2/HPFAR_EL2 for a stage-2
// Data Abort (§4.E "Compute fault IPA from FAR/HPFAR").
func (cpu *CPU) FaultIPA() uint64 {
	far := read_far_el2()
	hpfar := read_hpfar_el2()

	return (hpfar&0xfffffff0)<<8 | (far & 0xfff)
}

// ESR returns the current ESR_EL2 value, read once per trap by the
// dispatcher in package trap.
func (cpu *CPU) ESR() uint64 {
	return read_esr_el2()
}

// ELR returns the current ELR_EL2 value (the guest PC the trap
// occurred at).
func (cpu *CPU) ELR() uint64 {
	return read_elr_el2()
}
