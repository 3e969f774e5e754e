// VM lifecycle and IPA mapping
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vm implements VM registry and lifecycle management (§4.G):
// creation, boot, reboot and shutdown, plus the stage-2 table builder
// and the copy_between_vm IPA-to-IPA copy helper that every
// cross-VM image/DTB transfer bottoms out in.
package vm

import (
	"fmt"
	"sync"

	"github.com/usbarmory/hyperv/device"
	"github.com/usbarmory/hyperv/ipi"
	"github.com/usbarmory/hyperv/mm"
	"github.com/usbarmory/hyperv/sched"
)

// State is a VM's lifecycle state (§4.G creation order step 9:
// "transition VM state to Pending").
type State int

const (
	Inv State = iota
	Pending
	Active
	Off
)

// Config is the subset of a VmConfigEntry the builder step (§4.H)
// accumulates before VM creation; fields are filled in incrementally
// by the Config hypercall event handlers in package hvc.
type Config struct {
	ID             uint16
	AllocateBitmap uint64
	CPUMaster      int
	NumVCPUs       int
	Regions        []Region
	KernelLoadIPA  uint64
	DTBLoadIPA     uint64
	ColorSet       uint64
	NumPages       int
}

// VM is one hosted virtual machine: its stage-2 mapping, vCPUs,
// emulated devices and colored memory grant.
type VM struct {
	mu sync.Mutex

	ID    uint16
	State State

	MasterPCPU int

	VCPUs   []*sched.VCPU
	Sched   *sched.VM
	Devices device.List

	Stage2Root uint64
	Regions    []Region

	Memory []mm.ColorMemRegion

	KernelLoadIPA uint64
	DTBLoadIPA    uint64
}

// Registry tracks every live VM by id (§4.G "allocate VM struct and
// id"), the counterpart of VM_IF_LIST.
type Registry struct {
	mu  sync.Mutex
	vms map[uint16]*VM
}

// NewRegistry creates an empty VM registry.
func NewRegistry() *Registry {
	return &Registry{vms: make(map[uint16]*VM)}
}

func (r *Registry) Get(id uint16) (*VM, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.vms[id]
	return v, ok
}

func (r *Registry) All() []*VM {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*VM, 0, len(r.vms))
	for _, v := range r.vms {
		out = append(out, v)
	}

	return out
}

var ErrOutOfMemory = fmt.Errorf("vm: colored memory allocation failed")

// Create performs the VM creation order (§4.G, steps 1-9):
//  1. allocate VM struct and id
//  2. materialize vCPUs
//  3. allocate colored PA regions
//  4. build stage-2 table for configured IPA regions
//  5. install emulated devices (at minimum vGICD, via installDevices)
//  6. broadcast VmmMapIPA so every pCPU mirrors the IPA→HVA mapping
//  7. load kernel image and optional DTB (left to the caller, which
//     owns the MVM source buffer and calls CopyBetweenVM)
//  8. initialise master vCPU (ELR=kernel_entry, x0=DTB IPA)
//  9. transition VM state to Pending
func (r *Registry) Create(cfg Config, pcpus []*sched.PCPU, tables TableAllocator, mem *mm.Allocator, bus *ipi.Bus, installDevices func(*VM)) (*VM, error) {
	v := &VM{
		ID:            cfg.ID,
		Sched:         &sched.VM{},
		Regions:       cfg.Regions,
		KernelLoadIPA: cfg.KernelLoadIPA,
		DTBLoadIPA:    cfg.DTBLoadIPA,
	}

	placement, master := sched.Place(cfg.AllocateBitmap, cfg.CPUMaster, cfg.NumVCPUs)
	v.MasterPCPU = master

	for i := 0; i < cfg.NumVCPUs; i++ {
		vcpu := &sched.VCPU{ID: i, VMID: cfg.ID, State: sched.Pending}
		v.VCPUs = append(v.VCPUs, vcpu)
		pcpus[placement[i]].Append(vcpu)
	}

	if cfg.NumPages > 0 {
		regions, err := mem.Alloc(cfg.ID, cfg.NumPages, cfg.ColorSet)
		if err != nil {
			return nil, ErrOutOfMemory
		}

		v.Memory = regions
	}

	root, err := BuildStage2(tables, v.Regions)
	if err != nil {
		return nil, err
	}

	v.Stage2Root = root

	if installDevices != nil {
		installDevices(v)
	}

	bus.Broadcast(-1, ipi.Message{Type: ipi.Vmm, A: uint64(v.ID), B: uint64(root)})

	if len(v.VCPUs) > 0 {
		v.VCPUs[0].Frame.SetPC(cfg.KernelLoadIPA)
		v.VCPUs[0].Frame.SetArg(0, cfg.DTBLoadIPA)
	}

	v.State = Pending

	r.mu.Lock()
	r.vms[v.ID] = v
	r.mu.Unlock()

	return v, nil
}

// Boot yields the master pCPU to the master vCPU (§4.G "Boot").
// Secondary vCPUs remain idle, woken by guest PSCI_CPU_ON IPIs.
func (v *VM) Boot(entry uint64, dtbIPA uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.VCPUs) == 0 {
		return
	}

	master := v.VCPUs[0]
	master.Frame.SetPC(entry)
	master.Frame.SetArg(0, dtbIPA)
	master.State = sched.Ready
	v.State = Active
}

// Reboot implements §4.G "Reboot": power off secondary vCPUs, reset
// vCPU0's context and re-enter at entry. Reinstalling the kernel image
// and rebuilding a guest-owned DTB (MVM only) is the caller's
// responsibility, mirroring Create's step 7.
func (v *VM) Reboot(entry uint64, dtbIPA uint64) {
	v.mu.Lock()

	for _, vcpu := range v.VCPUs[1:] {
		vcpu.State = sched.Off
		vcpu.Context = sched.VCPU{}.Context
	}

	v.VCPUs[0].Context = sched.VCPU{}.Context
	v.VCPUs[0].Frame = sched.VCPU{}.Frame

	v.mu.Unlock()

	v.Boot(entry, dtbIPA)
}

// Shutdown implements §4.G "Shutdown": remove the VM from the
// registry, free its emulated devices and colored regions, and
// broadcast VmmUnmapIPA.
func (r *Registry) Shutdown(v *VM, mem *mm.Allocator, bus *ipi.Bus) {
	v.mu.Lock()
	v.State = Off
	memory := v.Memory
	v.Memory = nil
	v.mu.Unlock()

	mem.Free(memory)

	for _, e := range v.Devices.All() {
		v.Devices.Remove(e.DevID)
	}

	bus.Broadcast(-1, ipi.Message{Type: ipi.Vmm, A: uint64(v.ID)})

	r.mu.Lock()
	delete(r.vms, v.ID)
	r.mu.Unlock()
}

// HVACopier reads/writes through the HVA alias window, satisfied by
// the hypervisor's own identity-mapped access to hva(vm,ipa) once the
// stage-1 mapping described in §4.A has been established.
type HVACopier interface {
	ReadAt(hva uint64, buf []byte)
	WriteAt(hva uint64, buf []byte)
}

// CopyBetweenVM implements copy_between_vm (§4.G step 7, §4.H
// "upload_kernel_image copies kernel bytes ... through the hva alias
// trick"): it translates both IPAs to their HVA alias and transfers
// through the single aliasing choke point, so no cross-VM pointer ever
// needs stage-2 translation twice.
func CopyBetweenVM(mem HVACopier, dstVM uint16, dstIPA uint64, srcVM uint16, srcIPA uint64, buf []byte) error {
	dstHVA, err := mm.Ipa2Hva(dstVM, dstIPA)
	if err != nil {
		return err
	}

	srcHVA, err := mm.Ipa2Hva(srcVM, srcIPA)
	if err != nil {
		return err
	}

	mem.ReadAt(srcHVA, buf)
	mem.WriteAt(dstHVA, buf)

	return nil
}
