// vCPU scheduler
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sched implements the per-pCPU round-robin vCPU scheduler
// (§4.D): vCPU placement at VM creation, the ready ring, world switch
// between vCPUs and CNTVOFF_EL2 management across VM quiescence.
package sched

import (
	"math/bits"
	"sync"

	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/trap"
)

// State is a vCPU's run state (§4.D, §9 "tagged variants" over an
// enum).
type State int

const (
	Pending State = iota
	Ready
	Running
	Sleep
	Off
)

// VCPU is one virtual CPU: its saved architectural state plus
// scheduling bookkeeping. The integer frame is always saved on any EL1
// exit; EL1Context is only populated/restored on a full world switch
// (§4.D "for a full switch it also saves banked EL1 sysregs").
type VCPU struct {
	ID    int
	VMID  uint16
	PCPU  int

	State State

	Frame   arm64.GPRFrame
	Context arm64.EL1Context
}

// VM is the subset of VM state the scheduler needs: how many of its
// vCPUs are currently running, for CNTVOFF_EL2 freeze/resume.
type VM struct {
	mu          sync.Mutex
	runningVCPUs int
	frozenCount  uint64
	offset       uint64
}

func (vm *VM) noteRunning(cpu *arm64.CPU, delta int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	wasZero := vm.runningVCPUs == 0
	vm.runningVCPUs += delta

	if wasZero && vm.runningVCPUs > 0 {
		vm.offset = cpu.Counter() - vm.frozenCount
	}

	if vm.runningVCPUs == 0 {
		vm.frozenCount = cpu.Counter() - vm.offset
	}
}

// PCPU runs a round-robin scheduler over the vCPUs assigned to it
// (§4.D "One pCPU runs a round-robin scheduler over the vCPUs assigned
// to it").
type PCPU struct {
	mu sync.Mutex

	// ID is this pCPU's index, matching the bit position used in a
	// VM's allocate_bitmap (§4.D "Placement").
	ID int

	cpu *arm64.CPU

	ring      []*VCPU
	activeIdx int

	// heap is a sorted-by-deadline list of timer callbacks (§4.D
	// "timer is the EL2 physical timer with a sorted event heap for
	// callbacks"). Small N (one slice timer plus the odd guest
	// timer emulation callback) makes an insertion-sorted slice
	// simpler and just as fast as a real heap.
	heap []timerEvent
}

type timerEvent struct {
	deadline int64
	fn       func()
}

// NewPCPU creates the scheduler driving physical core cpu, identified
// by id (its bit position in allocate_bitmap).
func NewPCPU(id int, cpu *arm64.CPU) *PCPU {
	return &PCPU{ID: id, cpu: cpu}
}

// Append adds a vCPU to this pCPU's ready ring in Pending state.
func (p *PCPU) Append(v *VCPU) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v.PCPU = p.ID
	v.State = Pending
	p.ring = append(p.ring, v)
}

// Len returns the number of vCPUs assigned to this pCPU's ring, for
// the management /stats page.
func (p *PCPU) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.ring)
}

// Active returns the currently running vCPU, or nil if the ring is
// empty.
func (p *PCPU) Active() *VCPU {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ring) == 0 {
		return nil
	}

	return p.ring[p.activeIdx]
}

// Yield advances the ring to the next Ready vCPU, used on slice
// expiry, WFI trap and explicit IPI yield (§4.D "the scheduler switches
// when (i) the EL2 timer fires its slice, (ii) the active vCPU blocks
// on WFI ..., (iii) an IPI explicitly yields"). A Running active vCPU
// goes back to Ready and the scan starts after it; otherwise (nothing
// has run yet, or the active vCPU went to Sleep) the scan starts at the
// active slot itself.
func (p *PCPU) Yield() *VCPU {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ring) == 0 {
		return nil
	}

	n := len(p.ring)

	start := 1
	if cur := p.ring[p.activeIdx]; cur.State == Running {
		cur.State = Ready
	} else {
		start = 0
	}

	for i := start; i < start+n; i++ {
		idx := (p.activeIdx + i) % n
		v := p.ring[idx]

		if v.State == Ready || v.State == Pending {
			if v.State == Pending {
				v.State = Ready
			}

			p.activeIdx = idx
			v.State = Running

			return v
		}
	}

	return nil
}

// Sleep marks the active vCPU Sleep (trapped WFI, §4.D) and advances
// to the next runnable one.
func (p *PCPU) Sleep() *VCPU {
	p.mu.Lock()
	active := p.ring[p.activeIdx]
	active.State = Sleep
	p.mu.Unlock()

	return p.Yield()
}

// Wake restores a Sleeping vCPU to Ready, called on any vIRQ injection
// targeting it (§4.D "wakeup on any vIRQ injection restores Ready").
func (p *PCPU) Wake(v *VCPU) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.State == Sleep {
		v.State = Ready
	}
}

// ScheduleSlice arms the physical timer for one scheduler slice
// (§4.D "Time slice: fixed (e.g. 10 ms)").
func (p *PCPU) ScheduleSlice(now int64) {
	p.cpu.SetAlarm(now + arm64.SliceDuration)
}

// AddTimer inserts a callback into the sorted event heap, invoked by
// RunTimers once its deadline has passed.
func (p *PCPU) AddTimer(deadline int64, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := 0
	for i < len(p.heap) && p.heap[i].deadline <= deadline {
		i++
	}

	p.heap = append(p.heap, timerEvent{})
	copy(p.heap[i+1:], p.heap[i:])
	p.heap[i] = timerEvent{deadline: deadline, fn: fn}
}

// RunTimers invokes and removes every callback whose deadline has
// passed.
func (p *PCPU) RunTimers(now int64) {
	p.mu.Lock()
	var due []func()

	i := 0
	for i < len(p.heap) && p.heap[i].deadline <= now {
		due = append(due, p.heap[i].fn)
		i++
	}

	p.heap = p.heap[i:]
	p.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

// SwitchOut saves v's state ahead of a world switch. full additionally
// saves banked EL1 sysregs, generic-timer registers and FP/SIMD
// (§4.D "for a full switch it also saves banked EL1 sysregs").
func SwitchOut(cpu *arm64.CPU, v *VCPU, vm *VM, full bool) {
	if full {
		cpu.SaveContext(&v.Context)
		vm.noteRunning(cpu, -1)
	}
}

// SwitchIn restores v's state and CNTVOFF_EL2 ahead of eret back to
// EL1.
func SwitchIn(cpu *arm64.CPU, v *VCPU, vm *VM, full bool) {
	if full {
		vm.noteRunning(cpu, +1)
		cpu.RestoreContext(&v.Context)
	}

	vm.mu.Lock()
	offset := vm.offset
	vm.mu.Unlock()

	cpu.SetVirtualOffset(offset)
}

// Place assigns vCPUs to pCPUs per the VM creation placement rule
// (§4.D "Placement"): vCPU 0 (master) goes to cpuMaster if present in
// allocateBitmap, else the highest set bit; remaining vCPUs fill the
// rest of the bitmap in ascending order. It returns, for each vCPU
// index, the pCPU id it was assigned to, and the resolved master pCPU
// id (recorded once into vm_if.master_cpu_id).
func Place(allocateBitmap uint64, cpuMaster int, numVCPUs int) (placement []int, masterPCPU int) {
	var set []int

	for b := allocateBitmap; b != 0; {
		set = append(set, bits.TrailingZeros64(b))
		b &= b - 1
	}

	if len(set) == 0 || numVCPUs == 0 {
		return nil, -1
	}

	if containsInt(set, cpuMaster) {
		masterPCPU = cpuMaster
	} else {
		masterPCPU = set[len(set)-1]
	}

	placement = make([]int, numVCPUs)
	placement[0] = masterPCPU

	rest := make([]int, 0, len(set))
	for _, b := range set {
		if b != masterPCPU {
			rest = append(rest, b)
		}
	}

	for i := 1; i < numVCPUs; i++ {
		if len(rest) == 0 {
			placement[i] = masterPCPU
			continue
		}

		placement[i] = rest[(i-1)%len(rest)]
	}

	return placement, masterPCPU
}

// NewWFIHandler builds the global trap.WFIHandler every trapped WFI/WFE
// funnels through (§4.D "the scheduler switches when ... the active
// vCPU blocks on WFI"). The handler itself carries no caller identity
// (trap.WFIHandler is a bare func()), so it recovers the trapping
// physical core via arm64.CoreID() the same way vm.PSCIEmulator
// recovers it for SMC64 calls, then lets that pCPU's own Sleep pick the
// next vCPU to run. The vector-table entry (not part of this package)
// re-reads PCPU.Active() after the trap handler returns and eret's into
// whichever vCPU this call leaves running.
func NewWFIHandler(pcpus []*PCPU) trap.WFIHandler {
	return func() {
		id := arm64.CoreID()

		if id < 0 || id >= len(pcpus) {
			return
		}

		pcpus[id].Sleep()
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}

	return false
}
