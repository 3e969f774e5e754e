// Hypercall dispatch and configuration plane
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hvc implements the guest/MVM hypercall ABI and the
// configuration-plane builder it exposes (§4.H): fid is a packed
// (type:8, event:8) pair delivered in x0, with arguments in x1-x7 and
// the result (or the generic-error sentinel) written back into x0
// (§7 "Hypercalls return Ok(value)/Err(()); the trap handler writes the
// value (or usize::MAX) into guest x0").
package hvc

import (
	"sync"

	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/ipi"
	"github.com/usbarmory/hyperv/ivc"
	"github.com/usbarmory/hyperv/mm"
	"github.com/usbarmory/hyperv/sched"
	"github.com/usbarmory/hyperv/vm"
)

// Type is the high byte of a packed fid (§4.H hypercall type table).
type Type uint8

const (
	TypeSys      Type = 0x00
	TypeVmm      Type = 0x01
	TypeIvc      Type = 0x02
	TypeMediated Type = 0x03
	TypeConfig   Type = 0x11
)

// Sys events.
const (
	SysReboot Event = iota
	SysShutdown
	_ // reserved: source's HVC_SYS_UPDATE, unimplemented (§9 live update)
	SysTest
)

// Vmm events.
const (
	VmmListVM Event = iota
	VmmGetState
	VmmBootVM
	VmmShutdownVM
	VmmRebootVM
	VmmGetID
)

// Config events.
const (
	ConfigAddVM Event = iota
	ConfigDeleteVM
	ConfigCPU
	ConfigMemRegion
	ConfigEmuDevice
	ConfigPtRegion
	ConfigPtIRQs
	ConfigPtStreamIDs
	ConfigDTBDevice
	ConfigUploadKernelImage
	ConfigMemColorBudget
)

// Event is the low byte of a packed fid.
type Event uint8

// ErrGeneric is the sentinel written into x0 on any hypercall failure
// (source's usize::MAX).
const ErrGeneric = ^uint64(0)

// PackFID combines a hypercall type and event into the fid value a
// guest or the MVM passes in x0.
func PackFID(t Type, e Event) uint64 {
	return uint64(t)<<8 | uint64(e)
}

// UnpackFID splits a received fid back into its type and event.
func UnpackFID(fid uint64) (Type, Event) {
	return Type(fid >> 8), Event(fid)
}

// DeviceSpec records one emu_dev/pt_region builder call against a
// pending VM configuration; installation into the VM's device.List
// happens at boot_vm time via Dispatcher.InstallDevices.
type DeviceSpec struct {
	IPA    uint64
	Length uint64
	Kind   uint8
}

// Kind distinguishes a management VM from an ordinary OS guest
// (source's VmType).
type Kind uint8

const (
	KindOS Kind = iota
	KindMVM
)

// entry is the config-plane builder's accumulator for one not-yet-booted
// VM (§4.H "Each Config event is an idempotent builder step: it mutates
// the target VmConfigEntry under a global config lock").
type entry struct {
	cfg    vm.Config
	name   string
	kind   Kind
	devs   []DeviceSpec
	ptRegs []DeviceSpec
	ptIRQs []int
	ptSIDs []int

	pubKey []byte
	digest [32]byte
	loaded bool

	created *vm.VM
}

// MediatedBackend is the subset of the async IO executor (§4.J) the
// Mediated hypercall events drive; installed separately to avoid an
// import cycle with package mediated.
type MediatedBackend interface {
	Append(vmID uint16, kind uint8, ipa uint64) (id uint64, ok bool)
	DevNotify(id uint64, status uint64) bool
	DrvNotify(id uint64) bool
}

// Dispatcher is the hypercall service routine installed into
// trap.SetHVCHandler. It owns the config-plane builder table and the
// collaborators VM creation needs.
type Dispatcher struct {
	mu sync.Mutex

	Registry *vm.Registry
	PCPUs    []*sched.PCPU
	Tables   vm.TableAllocator
	Mem      *mm.Allocator
	Bus      *ipi.Bus
	HVA      vm.HVACopier

	// InstallDevices wires a freshly created VM's emulated devices
	// (vGICD at minimum, plus any virtio-mmio transports recorded via
	// ConfigEmuDevice) into v.Devices; nil is valid for a VM with no
	// emulated devices beyond what the caller pre-installs.
	InstallDevices func(v *vm.VM, specs []DeviceSpec)

	Mediated MediatedBackend

	Ivc *ivc.Registry

	entries map[uint16]*entry
	nextID  uint16
}

// NewDispatcher creates a hypercall dispatcher with an empty
// configuration table.
func NewDispatcher(registry *vm.Registry, pcpus []*sched.PCPU, tables vm.TableAllocator, mem *mm.Allocator, bus *ipi.Bus, hva vm.HVACopier) *Dispatcher {
	return &Dispatcher{
		Registry: registry,
		PCPUs:    pcpus,
		Tables:   tables,
		Mem:      mem,
		Bus:      bus,
		HVA:      hva,
		entries:  make(map[uint16]*entry),
		nextID:   1, // 0 is reserved for the MVM
	}
}

// SeedMVM registers vm_id 0 as already created, for the platform-config
// boot path (§8 scenario 1 "MVM boot: vm_id=0 created from platform
// config") rather than through the Config hypercall builder.
func (d *Dispatcher) SeedMVM(v *vm.VM) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries[0] = &entry{cfg: vm.Config{ID: 0}, kind: KindMVM, created: v}
}

// Dispatch services one HVC64 trap: fid in args.Arg(0), arguments in
// args.Arg(1)..args.Arg(7), result written back into args.X[0].
func (d *Dispatcher) Dispatch(fid uint64, args *arm64.GPRFrame) {
	t, e := UnpackFID(fid)

	var (
		v  uint64
		ok bool
	)

	switch t {
	case TypeSys:
		v, ok = d.sys(e, args)
	case TypeVmm:
		v, ok = d.vmm(e, args)
	case TypeConfig:
		v, ok = d.config(e, args)
	case TypeMediated:
		v, ok = d.mediated(e, args)
	case TypeIvc:
		v, ok = d.ivc(e, args)
	default:
		ok = false
	}

	if !ok {
		args.SetArg(0, ErrGeneric)
		return
	}

	args.SetArg(0, v)
}

func (d *Dispatcher) sys(e Event, args *arm64.GPRFrame) (uint64, bool) {
	vmID := uint16(args.Arg(1))

	d.mu.Lock()
	en, found := d.entries[vmID]
	d.mu.Unlock()

	if !found || en.created == nil {
		return 0, false
	}

	switch e {
	case SysReboot:
		en.created.Reboot(en.cfg.KernelLoadIPA, en.cfg.DTBLoadIPA)
		d.Bus.Broadcast(-1, ipi.Message{Type: ipi.Power, A: uint64(vmID)})
		return 0, true
	case SysShutdown:
		d.Registry.Shutdown(en.created, d.Mem, d.Bus)
		return 0, true
	case SysTest:
		return 0, true
	default:
		return 0, false
	}
}
