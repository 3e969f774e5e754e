// ARM64 EL2 hypervisor core support
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

// GPRFrame is the integer register frame saved/restored on every EL1→EL2
// exception (§3 "vCPU ... integer register frame (31× u64 + SPSR + ELR +
// SP)"). The vector assembly pushes x0-x30 plus SPSR_EL2/ELR_EL2/SP_EL0
// into this layout before handing control to the Go trap dispatcher.
type GPRFrame struct {
	X    [31]uint64
	SPSR uint64
	ELR  uint64
	SP   uint64
}

// PC returns the guest program counter the trap occurred at.
func (f *GPRFrame) PC() uint64 {
	return f.ELR
}

// SetPC overrides the guest program counter, used by the vCPU reset path
// (§4.G "initialise master vCPU (ELR=kernel_entry, x0=DTB IPA)").
func (f *GPRFrame) SetPC(pc uint64) {
	f.ELR = pc
}

// Arg returns argument register n (x0-x7), used to read hypercall/SMC
// arguments and to seed x0 with the DTB IPA at boot.
func (f *GPRFrame) Arg(n int) uint64 {
	return f.X[n]
}

// SetArg sets argument/return register n, used to write the hypercall
// return value into guest x0 (§6 "Hypercall ABI").
func (f *GPRFrame) SetArg(n int, v uint64) {
	f.X[n] = v
}

// EL1Context is the VM-context block of a vCPU: banked EL1 system
// registers, the generic-timer state and HCR_EL2, saved whenever a vCPU
// is switched out and restored before it runs again (§3 "vCPU ...
// VM-context block (EL1 banked sysregs, generic-timer regs, HCR_EL2,
// FP/SIMD)").
type EL1Context struct {
	SP_EL0   uint64
	SP_EL1   uint64
	ELR_EL1  uint64
	SPSR_EL1 uint32
	SCTLR_EL1 uint32
	ACTLR_EL1 uint64
	CPACR_EL1 uint32
	TTBR0_EL1 uint64
	TTBR1_EL1 uint64
	TCR_EL1   uint64
	ESR_EL1   uint32
	FAR_EL1   uint64
	PAR_EL1   uint64
	MAIR_EL1  uint64
	AMAIR_EL1 uint64
	VBAR_EL1  uint64
	CONTEXTIDR_EL1 uint32
	TPIDR_EL0   uint64
	TPIDR_EL1   uint64
	TPIDRRO_EL0 uint64
	VMPIDR_EL2  uint64

	HCR_EL2 uint64

	// Generic timer (§4.D "virtual counter offset").
	CNTV_CTL_EL0  uint32
	CNTV_CVAL_EL0 uint64
	CNTKCTL_EL1   uint32

	// FP/SIMD register file, 32x128-bit plus status/control.
	FPSIMD [32][2]uint64
	FPSR   uint32
	FPCR   uint32
}

// defined in context.s
func save_el1_sysregs(ctx *EL1Context)
func restore_el1_sysregs(ctx *EL1Context)
func save_fpsimd(ctx *EL1Context)
func restore_fpsimd(ctx *EL1Context)

// SaveContext captures every banked EL1 register, the generic timer and
// FP/SIMD state into ctx. Called by the world-switch path (package
// sched) whenever a vCPU is descheduled and a *full* context switch
// (as opposed to a lightweight GPR-only save on a same-VM reschedule)
// is required.
func (cpu *CPU) SaveContext(ctx *EL1Context) {
	save_el1_sysregs(ctx)
	save_fpsimd(ctx)
}

// RestoreContext reloads a previously saved EL1Context, the mirror of
// SaveContext.
func (cpu *CPU) RestoreContext(ctx *EL1Context) {
	restore_el1_sysregs(ctx)
	restore_fpsimd(ctx)
}
