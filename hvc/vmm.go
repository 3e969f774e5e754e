// VMM-plane hypercalls
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hvc

import (
	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/vm"
)

// vmm services the Vmm hypercall type (§4.H "list, get-state, boot,
// shutdown, reboot, get-id"). No migrate event is handled: §9 marks
// live update/migration explicitly out of scope, and any other event
// falls to the default case and fails.
func (d *Dispatcher) vmm(e Event, args *arm64.GPRFrame) (uint64, bool) {
	switch e {
	case VmmListVM:
		return d.listVM(), true

	case VmmGetState:
		en, ok := d.lookup(uint16(args.Arg(1)))
		if !ok || en.created == nil {
			return 0, false
		}
		return uint64(en.created.State), true

	case VmmGetID:
		return uint64(args.Arg(1)), true

	case VmmBootVM:
		return d.bootVM(uint16(args.Arg(1)))

	case VmmShutdownVM:
		en, ok := d.lookup(uint16(args.Arg(1)))
		if !ok || en.created == nil {
			return 0, false
		}
		d.Registry.Shutdown(en.created, d.Mem, d.Bus)
		return 0, true

	case VmmRebootVM:
		en, ok := d.lookup(uint16(args.Arg(1)))
		if !ok || en.created == nil {
			return 0, false
		}
		en.created.Reboot(en.cfg.KernelLoadIPA, en.cfg.DTBLoadIPA)
		return 0, true

	default:
		return 0, false
	}
}

func (d *Dispatcher) lookup(vmID uint16) (*entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	en, ok := d.entries[vmID]
	return en, ok
}

// listVM returns a bitmap with one bit set per live (already created)
// VM id (§8 scenario 1: "issues HVC(HVC_VMM, HVC_VMM_LIST_VM, 0) →
// returns bitmap with bit 0 set").
func (d *Dispatcher) listVM() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var bitmap uint64

	for id, en := range d.entries {
		if en.created != nil {
			bitmap |= 1 << uint(id)
		}
	}

	return bitmap
}

// bootVM performs the deferred half of VM creation (§4.G steps 2-9):
// the Config builder only accumulates a vm.Config under entries[id];
// boot_vm is the point at which that config is materialized into a
// real vm.VM and handed its master vCPU.
func (d *Dispatcher) bootVM(vmID uint16) (uint64, bool) {
	d.mu.Lock()
	en, ok := d.entries[vmID]
	d.mu.Unlock()

	if !ok {
		return 0, false
	}

	if en.created == nil {
		install := func(v *vm.VM) {
			if d.InstallDevices != nil {
				d.InstallDevices(v, en.devs)
			}
		}

		v, err := d.Registry.Create(en.cfg, d.PCPUs, d.Tables, d.Mem, d.Bus, install)
		if err != nil {
			return 0, false
		}

		d.mu.Lock()
		en.created = v
		d.mu.Unlock()
	}

	en.created.Boot(en.cfg.KernelLoadIPA, en.cfg.DTBLoadIPA)

	return 0, true
}
