// EL2 trap dispatcher
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package trap implements the lower_aarch64_sync dispatcher (§4.E): it
// decodes ESR_EL2.EC and fans out to a data abort handler (emulated
// device lookup), the HVC64/SMC64 service routines and sysreg
// emulation, via a function-pointer table keyed by EC rather than a
// type switch (§9 "replace with tagged variants + function-pointer
// tables").
package trap

import (
	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/device"
)

// Frame is the minimal per-trap context the dispatcher needs: the
// faulting vCPU's integer frame plus the owning physical core.
type Frame struct {
	CPU   *arm64.CPU
	GPR   *arm64.GPRFrame
	ESR   uint64
	Devices *device.List
}

// handler services one ESR_EL2.EC value. It returns false if the trap
// could not be serviced (the caller falls back to the default
// exception handler).
type handler func(f *Frame) bool

var table = map[uint64]handler{
	arm64.ECDataAbort:   dataAbort,
	arm64.ECDataAbortEL: dataAbort,
	arm64.ECSMC64:       smc64,
	arm64.ECHVC64:       hvc64,
	arm64.ECTrappedMSR:  trappedMsr,
	arm64.ECWFIorWFE:    wfiOrWfe,
}

// Dispatch decodes f.ESR's exception class and invokes the matching
// handler. It is called from the lower_aarch64_sync vector path for
// every EL1→EL2 synchronous exception.
func Dispatch(f *Frame) bool {
	ec := arm64.ExceptionClass(f.ESR)

	h, ok := table[ec]
	if !ok {
		return false
	}

	return h(f)
}

// dataAbort implements the §4.E DataAbort row: compute the fault IPA,
// look up the owning emulated device and invoke its handler with a
// decoded EmuContext, then advance ELR past the trapped instruction.
func dataAbort(f *Frame) bool {
	ipa := f.CPU.FaultIPA()

	if f.Devices == nil {
		return false
	}

	entry, ok := f.Devices.Lookup(ipa)
	if !ok {
		return false
	}

	ctx := decodeDataAbort(f.ESR, ipa)

	if ctx.Write {
		entry.Handler.Write(ctx, f.GPR.Arg(ctx.Reg))
	} else {
		val := entry.Handler.Read(ctx)

		if ctx.SignExt {
			val = signExtend(val, ctx.Width)
		}

		f.GPR.SetArg(ctx.Reg, val)
	}

	f.CPU.AdvanceELR(uint64(arm64.InstructionLength(f.ESR)))

	return true
}

// ISS field layout for a Data Abort (ISV=1) (§D13.2.37, ARM IHI 0048B).
const (
	issSAS  = 22 // bits [23:22], access size
	issSRT  = 16 // bits [20:16], register transferred
	issSSE  = 21 // sign extend
	issWnR  = 6  // write-not-read
	issSF   = 15 // 64-bit register width
)

func decodeDataAbort(esr uint64, ipa uint64) device.EmuContext {
	sas := (esr >> issSAS) & 0x3
	width := 1 << sas

	regWidth := 32
	if esr&(1<<issSF) != 0 {
		regWidth = 64
	}

	return device.EmuContext{
		Address:  ipa,
		Width:    width,
		Write:    esr&(1<<issWnR) != 0,
		SignExt:  esr&(1<<issSSE) != 0,
		Reg:      int((esr >> issSRT) & 0x1f),
		RegWidth: regWidth,
	}
}

func signExtend(val uint64, width int) uint64 {
	bits := width * 8
	shift := 64 - bits
	return uint64(int64(val<<uint(shift)) >> uint(shift))
}

// PSCIHandler services a guest PSCI SMC64 call, emulated rather than
// forwarded to EL3 (guest PSCI never touches real firmware, §4.A
// "guest CPU_ON becomes a Power IPI"). Installed by package vm.
type PSCIHandler func(fid uint64, a1, a2, a3 uint64) (r0 uint64)

var psciHandler PSCIHandler

// SetPSCIHandler installs the guest-facing PSCI emulation routine.
func SetPSCIHandler(h PSCIHandler) {
	psciHandler = h
}

func smc64(f *Frame) bool {
	fid := f.GPR.Arg(0)

	switch fid {
	case arm64.PSCI_VERSION, arm64.PSCI_CPU_OFF, arm64.PSCI_CPU_ON_64,
		arm64.PSCI_AFFINITY_INFO_64, arm64.PSCI_MIGRATE_INFO_TYPE,
		arm64.PSCI_SYSTEM_OFF, arm64.PSCI_SYSTEM_RESET, arm64.PSCI_FEATURES:
		if psciHandler == nil {
			f.GPR.SetArg(0, uint64(int64(arm64.PSCINotSupported)))
			break
		}

		r0 := psciHandler(fid, f.GPR.Arg(1), f.GPR.Arg(2), f.GPR.Arg(3))
		f.GPR.SetArg(0, r0)
	default:
		f.GPR.SetArg(0, uint64(int64(arm64.PSCINotSupported)))
	}

	f.CPU.AdvanceELR(4)

	return true
}

// HVCHandler services a guest HVC64 hypercall (§4.E "Dispatch on
// (fid, event, args…) to hypercall handler"). Installed by package hvc
// to avoid a trap↔hvc import cycle.
type HVCHandler func(fid uint64, args *arm64.GPRFrame)

var hvcHandler HVCHandler

// SetHVCHandler installs the hypercall dispatcher.
func SetHVCHandler(h HVCHandler) {
	hvcHandler = h
}

func hvc64(f *Frame) bool {
	if hvcHandler == nil {
		return false
	}

	hvcHandler(f.GPR.Arg(0), f.GPR)
	f.CPU.AdvanceELR(4)

	return true
}

// SysregHandler emulates one trapped MRS/MSR access, keyed by
// (op0,op1,CRn,CRm,op2) (§4.E "CCSIDR/CLIDR/CSSELR/CTR shadowing").
type SysregHandler func(write bool, reg *uint64)

var sysregs = map[uint32]SysregHandler{}

// RegisterSysreg installs the emulator for one encoded system
// register, e.g. CCSIDR_EL1's (op0=3,op1=1,CRn=0,CRm=0,op2=0).
func RegisterSysreg(op0, op1, crn, crm, op2 uint8, h SysregHandler) {
	sysregs[sysregKey(op0, op1, crn, crm, op2)] = h
}

func sysregKey(op0, op1, crn, crm, op2 uint8) uint32 {
	return uint32(op0)<<20 | uint32(op1)<<16 | uint32(crn)<<12 | uint32(crm)<<8 | uint32(op2)
}

// ISS field layout for a trapped MSR/MRS (§D13.2.37).
const (
	issOp0 = 20
	issOp1 = 14
	issCRn = 10
	issRt  = 5
	issCRm = 1
	issOp2 = 17
	issDir = 0 // 0 = write (MSR), 1 = read (MRS)
)

func trappedMsr(f *Frame) bool {
	iss := arm64.ExceptionSyndrome(f.ESR)

	op0 := uint8((iss >> issOp0) & 0x3)
	op2 := uint8((iss >> issOp2) & 0x7)
	op1 := uint8((iss >> issOp1) & 0x7)
	crn := uint8((iss >> issCRn) & 0xf)
	rt := int((iss >> issRt) & 0x1f)
	crm := uint8((iss >> issCRm) & 0xf)
	write := iss&(1<<issDir) == 0

	h, ok := sysregs[sysregKey(op0, op1, crn, crm, op2)]
	if !ok {
		return false
	}

	val := f.GPR.Arg(rt)
	h(write, &val)

	if !write {
		f.GPR.SetArg(rt, val)
	}

	f.CPU.AdvanceELR(uint64(arm64.InstructionLength(f.ESR)))

	return true
}

// WFIHandler is invoked on a trapped WFI/WFE (§4.D "WFI handling"),
// installed by package sched to put the active vCPU to Sleep and
// switch to the next runnable one.
type WFIHandler func()

var wfiHandler WFIHandler

// SetWFIHandler installs the scheduler's WFI trap callback.
func SetWFIHandler(h WFIHandler) {
	wfiHandler = h
}

func wfiOrWfe(f *Frame) bool {
	if wfiHandler == nil {
		return false
	}

	wfiHandler()
	f.CPU.AdvanceELR(uint64(arm64.InstructionLength(f.ESR)))

	return true
}

// IRQSource acknowledges the highest-priority pending physical
// interrupt and performs its end-of-interrupt writes, satisfied by
// *gic.GIC (§4.E "two-stage EOI mode").
type IRQSource interface {
	GetInterrupt() int
	EOI(id int)
}

// IRQHandler services one physical INTID (timer, IPI, maintenance,
// passthrough-to-guest).
type IRQHandler func()

var irqHandlers = map[int]IRQHandler{}

// RegisterIRQ installs the handler invoked when INTID id is
// acknowledged via IAR.
func RegisterIRQ(id int, h IRQHandler) {
	irqHandlers[id] = h
}

// DispatchIRQ implements the IRQ path of the trap dispatcher: it reads
// IAR, invokes the INTID's registered handler and performs the EOI
// write for every non-spurious INTID, even one with no handler, so a
// stray interrupt never wedges the CPU Interface. The special IDs
// 1020..1023 get no handler call and no EOI.
func DispatchIRQ(src IRQSource) {
	id := src.GetInterrupt()

	// 1020..1023 are the "no interrupt pending"/spurious special IDs.
	if id >= 1020 {
		return
	}

	if h, ok := irqHandlers[id]; ok {
		h()
	}

	src.EOI(id)
}
