// ARM64 Generic Interrupt Controller (GICv2) driver
// https://github.com/usbarmory/hyperv
//
// IP: ARM Generic Interrupt Controller version 2.0
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package gic implements a driver for the ARM Generic Interrupt Controller
// (GICv2), including its Hypervisor Interface and virtual CPU interface
// List Registers (§4.C "vGIC"). GICv2 (Distributor + CPU Interface) is
// required rather than GICv3/4 (Redistributor-based), since the target
// platform has no per-core redistributor frame.
//
// The driver is based on the following reference specification:
//   - ARM IHI 0048B - ARM Generic Interrupt Controller Architecture
//     Specification, version 2.0
//
// This package is only meant to be used with `GOOS=tamago GOARCH=arm64` as
// supported by the TamaGo framework for bare metal Go, see
// https://github.com/usbarmory/tamago.
package gic

import (
	"github.com/usbarmory/hyperv/internal/reg"
)

// GIC Distributor register map (§4.3, ARM IHI 0048B).
const (
	GICD_CTLR   = 0x000
	CTLR_ENABLE = 0

	GICD_TYPER    = 0x004
	TYPER_ITLINES = 0

	GICD_IGROUPR    = 0x080
	GICD_ISENABLER  = 0x100
	GICD_ICENABLER  = 0x180
	GICD_ICPENDR    = 0x280
	GICD_ITARGETSR  = 0x800
	GICD_SGIR       = 0xf00
)

// GIC CPU Interface register map (§4.4, ARM IHI 0048B).
const (
	GICC_CTLR            = 0x0
	GICC_CTLR_ENABLEGRP1 = 0

	GICC_PMR  = 0x4
	GICC_IAR  = 0xc
	GICC_EOIR = 0x10
)

// GIC Hypervisor Interface register map (§5, ARM IHI 0048B). The
// Hypervisor Interface is what makes vGIC interrupt injection (§4.C)
// possible: the hypervisor writes pending/active virtual interrupt state
// into the List Registers and the CPU Interface presented to the guest
// (the "virtual CPU interface") is driven by hardware from that state,
// without the hypervisor trapping every guest EOI.
const (
	GICH_HCR = 0x0
	HCR_EN   = 0

	GICH_VTR     = 0x4
	VTR_LISTREGS = 0 // bits [5:0], number of implemented List Registers minus one

	GICH_MISR = 0x10
	MISR_EOI  = 0
	MISR_U    = 1 // underflow

	GICH_EISR0  = 0x20 // EOI'd List Register status
	GICH_ELRSR0 = 0x30 // empty List Register status

	GICH_LR0 = 0x100 // first of up to 64 List Registers, 4 bytes apart
)

// List Register field layout (§5.3.2, ARM IHI 0048B).
const (
	LR_VIRTUALID  = 0  // bits [9:0]
	LR_PHYSICALID = 10 // bits [19:10], hardware interrupt ID when LR_HW is set
	LR_PRIORITY   = 23 // bits [27:23]
	LR_STATE      = 28 // bits [29:28]
	LR_GROUP1     = 30
	LR_HW         = 31 // maps to a physical interrupt, EOI'd in hardware
)

// List Register state values (§5.3.2).
const (
	StateInvalid       = 0
	StatePending       = 1
	StateActive        = 2
	StatePendingActive = 3
)

const (
	firstSGI = 0    // Software Generated Interrupts (SGI)
	firstPPI = 16   // Private Peripheral Interrupts (PPI)
	firstSPI = 32   // Shared Peripheral Interrupts (SPI)
	firstSIN = 1020 // Special Interrupt Numbers
)

// GIC represents a Generic Interrupt Controller (GICv2) instance.
type GIC struct {
	// GICD is the Distributor base address.
	GICD uint32
	// GICC is the CPU Interface base address.
	GICC uint32
	// GICH is the Hypervisor Interface base address.
	GICH uint32
	// GICV is the virtual CPU Interface base address, mapped into guest
	// IPA space 1:1 so guest EOI/IAR accesses never need to trap
	// (§4.C "guest EOI never traps").
	GICV uint32

	// numLR is the number of implemented List Registers, read from
	// GICH_VTR at Init time.
	numLR int
}

// Init initializes the physical Distributor and CPU Interface, the
// mandatory bring-up every pCPU performs once before its first vCPU can
// run (§4.C "the physical GIC ... is initialised once at boot").
func (hw *GIC) Init() {
	if hw.GICD == 0 || hw.GICC == 0 {
		panic("invalid GIC instance")
	}

	itLinesNum := reg.Get(hw.GICD+GICD_TYPER, TYPER_ITLINES, 0x1f)
	itLinesNum += 1

	for n := uint32(0); n < itLinesNum; n++ {
		reg.Write(hw.GICD+GICD_ICENABLER+4*n, 0xffffffff)
		reg.Write(hw.GICD+GICD_ICPENDR+4*n, 0xffffffff)
	}

	reg.Write(hw.GICC+GICC_PMR, 0xff)
	reg.Set(hw.GICC+GICC_CTLR, GICC_CTLR_ENABLEGRP1)
	reg.Set(hw.GICD+GICD_CTLR, CTLR_ENABLE)

	if hw.GICH != 0 {
		hw.numLR = int(reg.Get(hw.GICH+GICH_VTR, VTR_LISTREGS, 0x3f)) + 1
		reg.Set(hw.GICH+GICH_HCR, HCR_EN)
	}
}

func (hw *GIC) irq(id int, enable bool) {
	n := uint32(id / 32)
	i := id % 32

	if enable {
		reg.Clear(hw.GICD+GICD_IGROUPR+4*n, i)
		reg.Write(hw.GICD+GICD_ISENABLER+4*n, 1<<uint(i))
	} else {
		reg.Write(hw.GICD+GICD_ICENABLER+4*n, 1<<uint(i))
	}
}

// EnableInterrupt enables forwarding of a physical interrupt to the GIC
// CPU Interface.
func (hw *GIC) EnableInterrupt(id int) {
	hw.irq(id, true)
}

// DisableInterrupt disables forwarding of a physical interrupt.
func (hw *GIC) DisableInterrupt(id int) {
	hw.irq(id, false)
}

// SetTarget routes SPI id to the pCPUs in mask (GICD_ITARGETSR is a
// byte-per-interrupt bitmask of target cores, unlike GICv3's per-interrupt
// affinity register).
func (hw *GIC) SetTarget(id int, mask uint8) {
	word := hw.GICD + GICD_ITARGETSR + 4*uint32(id/4)
	shift := (id % 4) * 8
	reg.SetN(word, shift, 0xff, uint32(mask))
}

// SendSGI raises Software Generated Interrupt id against the pCPUs in
// targetList, the physical transport the IPI bus (package ipi) rides on
// (§4.F "the bus is backed by a small set of reserved SGIs").
func (hw *GIC) SendSGI(id int, targetList uint8) {
	v := uint32(targetList)<<16 | uint32(id)
	reg.Write(hw.GICD+GICD_SGIR, v)
}

// GetInterrupt acknowledges the highest priority pending physical
// interrupt from the CPU Interface and returns its ID; ids >= firstSIN
// are the special "spurious"/"no interrupt pending" values.
func (hw *GIC) GetInterrupt() (id int) {
	m := reg.Read(hw.GICC+GICC_IAR) & 0x3ff
	return int(m)
}

// EOI signals end-of-interrupt for a physical interrupt previously
// returned by GetInterrupt.
func (hw *GIC) EOI(id int) {
	reg.Write(hw.GICC+GICC_EOIR, uint32(id))
}

// NumListRegisters returns the number of List Registers backing the
// Hypervisor Interface, the hard limit on simultaneously injectable
// virtual interrupts per vCPU (§4.C "List Register pool exhaustion").
func (hw *GIC) NumListRegisters() int {
	return hw.numLR
}

// WriteLR programs List Register n to inject a virtual interrupt
// (§4.C "vGIC ... injects by writing a List Register"). If hwLinked is
// set, the injection is linked to physical interrupt hwID so the
// hardware EOI's it automatically when the guest completes servicing
// (used for passthrough/mediated devices whose physical IRQ maps 1:1 to
// a virtual one).
func (hw *GIC) WriteLR(n int, virtID int, priority uint8, group1 bool, hwLinked bool, hwID int) {
	v := uint32(virtID)<<LR_VIRTUALID | uint32(priority)>>3<<LR_PRIORITY | uint32(StatePending)<<LR_STATE

	if group1 {
		v |= 1 << LR_GROUP1
	}

	if hwLinked {
		v |= 1<<LR_HW | uint32(hwID)<<LR_PHYSICALID
	}

	reg.Write(hw.GICH+GICH_LR0+4*uint32(n), v)
}

// ReadLR returns the raw contents of List Register n, used to recover a
// virtual interrupt's state (pending/active) when a vCPU is switched out
// mid-delivery (§4.D "partial vGIC state is folded back into the
// software pending list on full context switch").
func (hw *GIC) ReadLR(n int) uint32 {
	return reg.Read(hw.GICH + GICH_LR0 + 4*uint32(n))
}

// ClearLR empties List Register n.
func (hw *GIC) ClearLR(n int) {
	reg.Write(hw.GICH+GICH_LR0+4*uint32(n), 0)
}

// ElrsrMask returns the bitmask of empty (available) List Registers,
// consulted by the vGIC allocator (package vgic) before it falls back to
// software queuing.
func (hw *GIC) ElrsrMask() uint32 {
	return reg.Read(hw.GICH + GICH_ELRSR0)
}

// EisrMask returns the bitmask of List Registers whose interrupt has
// been EOI'd by the guest since the last read, used to detect completion
// of hardware-linked injections.
func (hw *GIC) EisrMask() uint32 {
	return reg.Read(hw.GICH + GICH_EISR0)
}

// MaintenanceInterruptPending reports whether the GICH has a pending
// maintenance condition (EOI or List Register underflow) requiring the
// trap dispatcher to re-run the vGIC housekeeping pass.
func (hw *GIC) MaintenanceInterruptPending() bool {
	misr := reg.Read(hw.GICH + GICH_MISR)
	return misr&(1<<MISR_EOI|1<<MISR_U) != 0
}
