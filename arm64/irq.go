// ARM64 EL2 hypervisor core support
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

// defined in irq.s
func irq_enable()
func irq_disable()
func wfi()

// EnableInterrupts unmasks IRQ interrupts.
func (cpu *CPU) EnableInterrupts() {
	irq_enable()
}

// DisableInterrupts masks IRQ interrupts.
func (cpu *CPU) DisableInterrupts() {
	irq_disable()
}

// WaitInterrupt suspends the calling pCPU until an interrupt is received
// (§5 "Suspension points: (i) wfi on an idle pCPU"). The hypervisor never
// parks a goroutine waiting on an IRQ: the IRQ vector always resumes
// synchronously into the trap dispatcher (package trap), which dequeues
// the pending interrupt from the GIC CPU interface itself, so there is
// no handoff through the Go scheduler and no lost-wakeup window to
// guard against.
func (cpu *CPU) WaitInterrupt() {
	wfi()
}
