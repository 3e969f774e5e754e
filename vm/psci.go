// Guest PSCI emulation
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vm

import (
	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/ipi"
	"github.com/usbarmory/hyperv/mm"
	"github.com/usbarmory/hyperv/sched"
)

// PSCIEmulator services guest PSCI SMC64 calls entirely in software
// (§4.A "guest CPU_ON becomes a Power IPI ... guest CPU_OFF marks the
// vCPU Off ... guest SYSTEM_RESET/OFF only affect that VM, never the
// physical machine"). It is installed into trap.SetPSCIHandler by the
// boot sequence.
type PSCIEmulator struct {
	Registry *Registry
	PCPUs    []*sched.PCPU
	Mem      *mm.Allocator
	Bus      *ipi.Bus
}

// callerVCPU resolves the VM and vCPU a PSCI trap originated from, using
// the active vCPU of the calling physical core's PCPU rather than a
// parameter, since trap.PSCIHandler carries no caller context.
func (e *PSCIEmulator) callerVCPU() (*VM, *sched.VCPU) {
	id := arm64.CoreID()

	if id < 0 || id >= len(e.PCPUs) {
		return nil, nil
	}

	vcpu := e.PCPUs[id].Active()
	if vcpu == nil {
		return nil, nil
	}

	v, ok := e.Registry.Get(vcpu.VMID)
	if !ok {
		return nil, nil
	}

	return v, vcpu
}

// Handle implements trap.PSCIHandler.
func (e *PSCIEmulator) Handle(fid uint64, a1, a2, a3 uint64) uint64 {
	v, vcpu := e.callerVCPU()
	if v == nil {
		return uint64(int64(arm64.PSCINotSupported))
	}

	switch fid {
	case arm64.PSCI_VERSION:
		return 0x00010001 // v1.1

	case arm64.PSCI_CPU_ON_64:
		return e.cpuOn(v, a1, a2, a3)

	case arm64.PSCI_CPU_OFF:
		vcpu.State = sched.Off
		return uint64(int64(arm64.PSCISuccess))

	case arm64.PSCI_AFFINITY_INFO_64:
		return e.affinityInfo(v, a1)

	case arm64.PSCI_SYSTEM_OFF:
		e.Registry.Shutdown(v, e.Mem, e.Bus)
		return uint64(int64(arm64.PSCISuccess))

	case arm64.PSCI_SYSTEM_RESET:
		v.Reboot(v.KernelLoadIPA, v.DTBLoadIPA)
		return uint64(int64(arm64.PSCISuccess))

	case arm64.PSCI_MIGRATE_INFO_TYPE:
		return 2 // trusted OS not present

	case arm64.PSCI_FEATURES:
		return uint64(int64(arm64.PSCINotSupported))

	default:
		return uint64(int64(arm64.PSCINotSupported))
	}
}

// cpuOn wakes a Pending/Off secondary vCPU of the caller's own VM,
// targeted by a1's low byte as a flat vCPU index (this hypervisor
// never exposes real MPIDR affinity fields to a guest, so the kernel's
// cpu_on target_cpu argument is interpreted as that flat index). A
// target already Running returns PSCI's ALREADY_ON (-4); an out of
// range index returns INVALID_PARAMS (-2).
func (e *PSCIEmulator) cpuOn(v *VM, a1, a2, a3 uint64) uint64 {
	idx := int(a1 & 0xff)

	if idx < 0 || idx >= len(v.VCPUs) {
		return uint64(int64(-2))
	}

	target := v.VCPUs[idx]

	if target.State == sched.Ready || target.State == sched.Running {
		return uint64(int64(-4))
	}

	target.Frame.SetPC(a2)
	target.Frame.SetArg(0, a3)
	target.State = sched.Ready

	e.Bus.Send(target.PCPU, ipi.Message{Type: ipi.Power, A: uint64(v.ID), B: uint64(idx)})

	return uint64(int64(arm64.PSCISuccess))
}

// affinityInfo reports whether target_affinity's vCPU is on (0) or off
// (1), per PSCI_AFFINITY_INFO semantics.
func (e *PSCIEmulator) affinityInfo(v *VM, a1 uint64) uint64 {
	idx := int(a1 & 0xff)

	if idx < 0 || idx >= len(v.VCPUs) {
		return uint64(int64(-2))
	}

	if v.VCPUs[idx].State == sched.Off || v.VCPUs[idx].State == sched.Pending {
		return 1
	}

	return 0
}
