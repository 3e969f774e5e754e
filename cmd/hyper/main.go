// hyper boot entry point
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command hyper is the board-level entry point wiring every package in
// this module into a running type-1 hypervisor (§6 "Boot protocol"):
// physical bring-up of one pCPU, the shared hypervisor stage-1 mapping,
// the VM registry and hypercall configuration plane, and the emulated
// device set (vGICD, virtio-blk/net/console) a freshly created VM
// receives.
//
// This entry point only brings up the boot core (board.Platform.CPUs[0]).
// Waking the remaining physical cores needs a real assembly secondary
// entry vector so each one lands in Go at EL2 with its own stack before
// calling into this package; no such vector exists in this tree, so
// cpu.PSCICPUOn for the board's other board.CPU entries is left
// unissued. Every other piece of the design — placement, the IPI bus,
// vgic injectors — already generalizes over qemuvirt.Virt.NumCPUs()
// pCPUs for when that vector is added.
package main

import (
	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/arm64/gic"
	"github.com/usbarmory/hyperv/board/qemuvirt"
	"github.com/usbarmory/hyperv/device"
	"github.com/usbarmory/hyperv/dma"
	"github.com/usbarmory/hyperv/hvc"
	"github.com/usbarmory/hyperv/ipi"
	"github.com/usbarmory/hyperv/ivc"
	"github.com/usbarmory/hyperv/mediated"
	"github.com/usbarmory/hyperv/mgmt"
	"github.com/usbarmory/hyperv/mm"
	"github.com/usbarmory/hyperv/sched"
	"github.com/usbarmory/hyperv/trap"
	"github.com/usbarmory/hyperv/vgic"
	"github.com/usbarmory/hyperv/virtio/blk"
	"github.com/usbarmory/hyperv/virtio/console"
	"github.com/usbarmory/hyperv/virtio/net"
	"github.com/usbarmory/hyperv/vm"
)

// heapBase/heapSize carve the hypervisor's own runtime-structure heap
// (page tables, queue backing buffers) out of the platform's DRAM,
// distinct from the guest-facing colored allocator which owns
// the DRAM from guestBase up to the vector table page (§4.B "buddy heap for runtime structures" vs
// "colored pool for guest memory").
const (
	heapSize = 16 << 20 // 16 MiB
	vbarSize = 64 << 10
)

// deviceSpec.Kind conventions (§4.H hvc.DeviceSpec.Kind carries no
// built-in enum; this entry point defines the only one any caller
// configures against).
const (
	devVGICD = iota
	devBlk
	devNet
	devConsole
)

// blkCacheOffset is the per-device virtio-mmio window an MVM-owned
// mediated cache page sits at, relative to the blk DeviceSpec's own
// IPA (QEMU `-M virt`'s virtio-mmio transports are windowed 0x200
// apart; the cache page borrows the next window rather than needing a
// fifth hypercall field).
const blkCacheOffset = 0x200

// defaultBlkCapacity is the capacity reported through virtio-blk's
// config block when a ConfigEmuDevice call doesn't (yet) carry a real
// backing store size.
const defaultBlkCapacity = 1 << 20 // sectors, 512 MiB

func main() {
	id := arm64.CoreID()

	if id != 0 {
		// secondary cores have no entry vector to land on yet; see the
		// package doc comment.
		return
	}

	plat := qemuvirt.Virt

	cpu := &arm64.CPU{TrapWFI: true}
	cpu.Init(plat.DRAMBase + plat.DRAMSize - vbarSize)
	cpu.EnableFP()
	cpu.EnableCache()
	cpu.InitGenericTimers(0, 0)
	cpu.InitStage2()

	hw := &gic.GIC{
		GICD: uint32(plat.GICDBase),
		GICC: uint32(plat.GICCBase),
		GICH: uint32(plat.GICHBase),
		GICV: uint32(plat.GICVBase),
	}
	hw.Init()

	heapBase := uint64(plat.DRAMBase)
	heap := dma.NewRegion(uint(heapBase), heapSize)

	guestBase := heapBase + heapSize
	guestSize := plat.DRAMSize - heapSize - vbarSize

	numColors := mm.ColorsFromCache(cpu)
	memAlloc := mm.NewAllocator(guestBase, guestSize, numColors)

	numCPUs := plat.NumCPUs()
	pcpus := make([]*sched.PCPU, numCPUs)
	injectors := make([]*vgic.Injector, numCPUs)

	for i := 0; i < numCPUs; i++ {
		pcpus[i] = sched.NewPCPU(i, cpu)
		injectors[i] = vgic.NewInjector(hw)
	}

	bus := ipi.NewBus(numCPUs, hw)

	hva := mm.Memory{}

	// hypervisor's own stage-1 identity mapping: DRAM plus every MMIO
	// bank a pCPU itself touches. Built once before InitMMU enables the
	// stage-1 MMU, and extended (never replaced) as VMs are created.
	identity := []hypRegion{
		{VA: plat.DRAMBase, PA: plat.DRAMBase, Length: plat.DRAMSize, Device: false},
		{VA: plat.GICDBase, PA: plat.GICDBase, Length: 0x10000, Device: true},
		{VA: plat.GICCBase, PA: plat.GICCBase, Length: 0x10000, Device: true},
		{VA: plat.GICHBase, PA: plat.GICHBase, Length: 0x10000, Device: true},
	}

	for _, u := range plat.UARTBase {
		identity = append(identity, hypRegion{VA: u, PA: u, Length: 0x1000, Device: true})
	}

	stage1Root := newHypStage1(heap, identity)
	cpu.InitMMU(stage1Root)

	registry := vm.NewRegistry()
	ivcRegistry := ivc.NewRegistry()
	ivcRegistry.Clock = cpu.Counter

	blkDispatcher := blk.NewDispatcher(bus, pcpus[0].ID)
	netSwitch := net.NewSwitch()

	mgmtMAC := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0xff}
	mgmtAddr := [4]byte{10, 0, 2, 2}

	mgmtCounters := mgmt.Counters{
		RunningVCPUs: func() int {
			n := 0
			for _, p := range pcpus {
				n += p.Len()
			}
			return n
		},
		IPIMessages: bus.Delivered,
	}

	if mgmtSrv, err := mgmt.New(netSwitch, mgmtMAC, mgmtAddr, 80, mgmtCounters); err == nil {
		go mgmtSrv.Serve()
	}

	distributors := make(map[uint16]*vgic.Distributor)
	pendingConsole := (*console.Console)(nil)

	installDevices := func(v *vm.VM, specs []hvc.DeviceSpec) {
		// every VM's stage-1 HVA alias window is extended into the
		// shared table synchronously here, while v.Regions is already
		// populated (§4.G step 6): each pCPU already shares this table
		// read-only, so there is nothing further to broadcast besides a
		// TLB invalidation (registered against ipi.Vmm below).
		for _, r := range v.Regions {
			hvaBase, err := mm.Ipa2Hva(v.ID, r.IPA)
			if err != nil {
				continue
			}

			mapHypRegion(heap, stage1Root, hypRegion{VA: hvaBase, PA: r.PA, Length: r.Length, Device: r.Device})
		}

		dist := vgic.NewDistributor(v.ID, injectors, bus)
		distributors[v.ID] = dist

		v.Devices.Register(device.Entry{
			DevID:   -1,
			IPABase: plat.GICDBase,
			Length:  0x1000,
			Handler: dist,
		})

		for i, spec := range specs {
			switch spec.Kind {
			case devVGICD:
				// already installed above unconditionally; a config-plane
				// request for it is a no-op.

			case devBlk:
				cacheIPA := spec.IPA + blkCacheOffset
				b, ok := blkDispatcher.New(v.ID, 0, cacheIPA, hva, dist, v.MasterPCPU, defaultBlkCapacity)
				if !ok {
					continue
				}

				v.Devices.Register(device.Entry{
					DevID:   i + 1,
					IPABase: spec.IPA,
					Length:  spec.Length,
					Handler: b,
				})

			case devNet:
				var mac [6]byte
				mac[0] = 0x02 // locally administered, unicast
				mac[5] = byte(v.ID)

				n := net.New(v.ID, mac, hva, dist, v.MasterPCPU, netSwitch)
				netSwitch.Add(n)

				v.Devices.Register(device.Entry{
					DevID:   i + 1,
					IPABase: spec.IPA,
					Length:  spec.Length,
					Handler: n,
				})

			case devConsole:
				c := console.New(v.ID, hva, dist, v.MasterPCPU, nil)

				if pendingConsole == nil {
					pendingConsole = c
				} else {
					console.NewPair(pendingConsole, c)
					pendingConsole = nil
				}

				v.Devices.Register(device.Entry{
					DevID:   i + 1,
					IPABase: spec.IPA,
					Length:  spec.Length,
					Handler: c,
				})
			}
		}
	}

	dispatcher := hvc.NewDispatcher(registry, pcpus, heap, memAlloc, bus, hva)
	dispatcher.InstallDevices = installDevices
	dispatcher.Mediated = blkDispatcher.Backend()
	dispatcher.Ivc = ivcRegistry

	psci := &vm.PSCIEmulator{Registry: registry, PCPUs: pcpus, Mem: memAlloc, Bus: bus}

	trap.SetHVCHandler(dispatcher.Dispatch)
	trap.SetPSCIHandler(psci.Handle)
	trap.SetWFIHandler(sched.NewWFIHandler(pcpus))

	bus.Register(ipi.Intc, func(msg ipi.Message) {
		dist, ok := distributors[uint16(msg.A)]
		if !ok {
			return
		}

		dist.HandleIntc(arm64.CoreID(), int(msg.B), uint8(msg.C))
	})

	bus.Register(ipi.Power, func(ipi.Message) {
		// SGI delivery alone un-stalls the targeted pCPU's WFI trap;
		// the scheduler re-reads vCPU state on the next Yield.
	})

	bus.Register(ipi.Vmm, func(ipi.Message) {
		// the shared stage-1 table was already extended synchronously
		// inside installDevices on whichever pCPU ran Registry.Create;
		// every other pCPU only needs its stale TLB entries flushed.
		cpu.FlushTLBs()
	})

	bus.Register(ipi.MediatedDev, func(ipi.Message) {
		// the MVM learns of new tasks via its own hypercall polling
		// (HVC_MEDIATED_DRV_NOTIFY), not through vIRQ injection; the IPI
		// itself is what wakes its pCPU out of WFI.
	})

	trap.RegisterIRQ(arm64.TIMER_IRQ, func() {
		now := cpu.GetTime()
		pcpus[0].RunTimers(now)
		pcpus[0].ScheduleSlice(now)
	})

	trap.RegisterIRQ(ipi.IRQ_IPI, func() {
		bus.Drain(arm64.CoreID())
	})

	mvm := &vm.VM{ID: 0, Sched: &sched.VM{}, MasterPCPU: 0}
	dispatcher.SeedMVM(mvm)

	cpu.EnableInterrupts()
	pcpus[0].ScheduleSlice(cpu.GetTime())

	for {
		cpu.WaitInterrupt()
	}
}

var _ hvc.MediatedBackend = (*mediated.Backend)(nil)
