// Virtual Generic Interrupt Controller
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vgic implements the per-VM virtual GIC distributor (§4.C):
// emulated GICD register state exposed to the guest through the
// device framework, List Register injection on the owning pCPU, and a
// software pending queue for when no List Register is free.
package vgic

import (
	"sync"

	"github.com/usbarmory/hyperv/device"
	"github.com/usbarmory/hyperv/ipi"
)

// LRWriter is the subset of the physical GIC's Hypervisor Interface the
// injector drives; satisfied by *gic.GIC.
type LRWriter interface {
	NumListRegisters() int
	WriteLR(n int, virtID int, priority uint8, group1 bool, hwLinked bool, hwID int)
	ReadLR(n int) uint32
	ClearLR(n int)
	ElrsrMask() uint32
	EisrMask() uint32
	SendSGI(id int, targetList uint8)
}

// pending is one queued virtual interrupt awaiting a free List Register
// (§4.C "if no LR is free, the interrupt joins a software queue that is
// drained on LRENP maintenance interrupts").
type pending struct {
	virtID   int
	priority uint8
	hwLinked bool
	hwID     int
}

// irqState is the per-virtual-interrupt bookkeeping the Distributor
// emulation and injector share.
type irqState struct {
	enabled  bool
	priority uint8
	target   uint8 // vCPU bitmap, SPIs only
	// owner is the pCPU index currently holding this interrupt in a
	// List Register, -1 if not currently injected.
	owner int
}

// Injector drives List Register injection and the software fallback
// queue for one physical pCPU (§4.C). There is one Injector per pCPU;
// vCPUs migrate between pCPUs only at placement time (§4.D), so an
// Injector never needs to hand off in-flight state across cores.
type Injector struct {
	mu sync.Mutex

	hw    LRWriter
	inUse []bool // index by List Register number
	queue []pending

	// owner maps a List Register number back to the virtual
	// interrupt it currently holds, for EOI bookkeeping.
	owner map[int]*pending
}

// NewInjector creates an injector driving the Hypervisor Interface hw.
func NewInjector(hw LRWriter) *Injector {
	return &Injector{
		hw:    hw,
		inUse: make([]bool, hw.NumListRegisters()),
		owner: make(map[int]*pending),
	}
}

// Inject delivers a virtual interrupt to the vCPU currently running on
// this Injector's pCPU. If hwLinked, EOI is performed by hardware
// against physical interrupt hwID when the guest completes servicing
// (§4.C invariant (b)); otherwise the caller's own physical EOI, if any,
// happens independently of the guest's virtual EOI.
func (inj *Injector) Inject(virtID int, priority uint8, group1 bool, hwLinked bool, hwID int) {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	p := pending{virtID: virtID, priority: priority, hwLinked: hwLinked, hwID: hwID}

	if n, ok := inj.freeLR(); ok {
		inj.program(n, p, group1)
		return
	}

	inj.queue = append(inj.queue, p)
}

func (inj *Injector) freeLR() (int, bool) {
	elrsr := inj.hw.ElrsrMask()

	for n := 0; n < len(inj.inUse); n++ {
		if !inj.inUse[n] && elrsr&(1<<uint(n)) != 0 {
			return n, true
		}
	}

	return 0, false
}

func (inj *Injector) program(n int, p pending, group1 bool) {
	inj.hw.WriteLR(n, p.virtID, p.priority, group1, p.hwLinked, p.hwID)
	inj.inUse[n] = true
	cp := p
	inj.owner[n] = &cp
}

// Maintenance runs from the maintenance-interrupt trap path: it frees
// List Registers the guest has EOI'd and reprograms them from the
// software queue (§4.C "drained on LRENP maintenance interrupts").
func (inj *Injector) Maintenance(group1 bool) {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	eisr := inj.hw.EisrMask()

	for n := 0; n < len(inj.inUse); n++ {
		if eisr&(1<<uint(n)) == 0 {
			continue
		}

		inj.hw.ClearLR(n)
		inj.inUse[n] = false
		delete(inj.owner, n)
	}

	for len(inj.queue) > 0 {
		n, ok := inj.freeLR()

		if !ok {
			break
		}

		p := inj.queue[0]
		inj.queue = inj.queue[1:]
		inj.program(n, p, group1)
	}
}

// QueueDepth reports how many virtual interrupts are waiting for a free
// List Register, exposed for scheduler/diagnostic use.
func (inj *Injector) QueueDepth() int {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	return len(inj.queue)
}

// GICD register offsets emulated by Distributor (§4.4/§4.3, ARM IHI
// 0048B, subset relevant to guest-visible state).
const (
	GICD_CTLR      = 0x000
	GICD_TYPER     = 0x004
	GICD_ISENABLER = 0x100
	GICD_ICENABLER = 0x180
	GICD_IPRIORITY = 0x400
	GICD_ITARGETSR = 0x800
	GICD_SGIR      = 0xf00
)

const numSPI = 64 // SPIs emulated per guest Distributor, IDs 32..95

// Distributor is the emulated GICD exposed to one guest (§4.C "vGIC
// exposes an emulated Distributor to each guest"). It implements
// device.Handler so it can be registered directly into a VM's device
// list at its configured gicd IPA.
type Distributor struct {
	mu sync.Mutex

	irqs  [numSPI]irqState
	inj   []*Injector // by pCPU index, shared with the physical gic driver
	bus   *ipi.Bus
	vmID  uint16
}

// NewDistributor creates the emulated Distributor for one VM. inj is
// indexed by pCPU id and shared with the physical GIC driver's
// Hypervisor Interface handling; bus carries the Intc cross-core
// steering message (§4.F).
func NewDistributor(vmID uint16, inj []*Injector, bus *ipi.Bus) *Distributor {
	d := &Distributor{inj: inj, bus: bus, vmID: vmID}

	for i := range d.irqs {
		d.irqs[i].owner = -1
	}

	return d
}

func (d *Distributor) Read(ctx device.EmuContext) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := ctx.Address

	switch {
	case off == GICD_CTLR:
		return 1
	case off == GICD_TYPER:
		return uint64(numSPI/32-1) << 0
	case off >= GICD_ISENABLER && off < GICD_ISENABLER+numSPI/8:
		return d.enableWord(off - GICD_ISENABLER)
	case off >= GICD_ICENABLER && off < GICD_ICENABLER+numSPI/8:
		return d.enableWord(off - GICD_ICENABLER)
	case off >= GICD_IPRIORITY && off < GICD_IPRIORITY+numSPI:
		i := off - GICD_IPRIORITY
		return uint64(d.irqAt(int(i)).priority)
	case off >= GICD_ITARGETSR && off < GICD_ITARGETSR+numSPI:
		i := off - GICD_ITARGETSR
		return uint64(d.irqAt(int(i)).target)
	}

	return 0
}

func (d *Distributor) enableWord(byteOff uint64) uint64 {
	word := uint32(0)
	base := int(byteOff) * 8

	for i := 0; i < 32 && base+i < numSPI; i++ {
		if d.irqs[base+i].enabled {
			word |= 1 << uint(i)
		}
	}

	return uint64(word)
}

func (d *Distributor) irqAt(id int) *irqState {
	if id < 0 || id >= numSPI {
		return &irqState{owner: -1}
	}

	return &d.irqs[id]
}

func (d *Distributor) Write(ctx device.EmuContext, val uint64) {
	d.mu.Lock()

	off := ctx.Address

	switch {
	case off >= GICD_ISENABLER && off < GICD_ISENABLER+numSPI/8:
		d.setEnable(off-GICD_ISENABLER, uint32(val), true)
	case off >= GICD_ICENABLER && off < GICD_ICENABLER+numSPI/8:
		d.setEnable(off-GICD_ICENABLER, uint32(val), false)
	case off >= GICD_IPRIORITY && off < GICD_IPRIORITY+numSPI:
		d.irqs[off-GICD_IPRIORITY].priority = uint8(val)
	case off >= GICD_ITARGETSR && off < GICD_ITARGETSR+numSPI:
		d.irqs[off-GICD_ITARGETSR].target = uint8(val)
	case off == GICD_SGIR:
		d.mu.Unlock()
		d.sendSGI(val)
		return
	}

	d.mu.Unlock()
}

func (d *Distributor) setEnable(byteOff uint64, word uint32, enable bool) {
	base := int(byteOff) * 8

	for i := 0; i < 32 && base+i < numSPI; i++ {
		if word&(1<<uint(i)) != 0 {
			d.irqs[base+i].enabled = enable
		}
	}
}

// sendSGI implements guest-visible SGI generation: a software IPI
// broadcast to every pCPU, each of which injects only if it is in the
// target list (see HandleIntc) (§4.C "SGIs are
// implemented by software IPI + virtual injection").
func (d *Distributor) sendSGI(val uint64) {
	sgi := int(val & 0xf)
	targetList := uint8((val >> 16) & 0xff)

	d.bus.Broadcast(-1, ipi.Message{Type: ipi.Intc, A: uint64(d.vmID), B: uint64(sgi), C: uint64(targetList)})
}

// SGIPriority is the fixed priority virtual SGIs inject at (§4.C gives
// SPIs a per-IRQ configurable priority; SGIs, used only for scheduling
// and console/IPI wakeups, do not need that granularity).
const SGIPriority = 0

// HandleIntc services the receiving side of an Intc cross-core
// steering message (§4.F): if pcpu is in the message's target list, the
// named SGI is injected locally into whichever vCPU of this
// Distributor's VM is currently running there. It is a no-op for every
// pCPU not addressed by targetList, so installing it as a single
// global ipi.Bus handler and letting every pCPU's Drain call it
// unconditionally is correct — each core runs this once per delivered
// message and filters on its own identity.
func (d *Distributor) HandleIntc(pcpu int, sgi int, targetList uint8) {
	if targetList&(1<<uint(pcpu)) == 0 {
		return
	}

	d.inj[pcpu].Inject(sgi, SGIPriority, true, false, 0)
}

// DeliverSPI looks up SPI id's virtual target and injects it on the
// pCPU(s) it is routed to (§4.C invariant (a): delivered to only one of
// the guest's vCPUs at a time — the caller resolves `target` to exactly
// one owning pCPU before calling DeliverSPI).
func (d *Distributor) DeliverSPI(id int, pcpu int, group1 bool, hwLinked bool, hwID int) {
	d.mu.Lock()
	irq := d.irqAt(id - 32)
	enabled := irq.enabled
	priority := irq.priority
	d.mu.Unlock()

	if !enabled {
		return
	}

	d.inj[pcpu].Inject(id, priority, group1, hwLinked, hwID)
}
