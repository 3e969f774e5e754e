// Mediated virtio-block backend
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mediated implements the async IO task executor backing a
// mediated virtio-blk device (§4.J, §9 "Async mediated IO"): guest
// requests are queued as tagged tasks, serviced out-of-band by the MVM,
// and completed back into the requesting VM's virtqueue.
//
// Grounded on original_source/src/device/virtio/mediated.rs:
// MEDIATED_BLK_LIST (here Backend.blks), the per-request nreq/cache_pa
// bookkeeping (here Task.Sector/Count and Blk.CachePA) and EXECUTOR's
// front-of-queue state machine (here Backend.Exec draining a
// contiguous Finish prefix). The source notifies VM0 synchronously
// through a direct function call since it runs in the same address
// space as every VM; this port instead raises the existing ipi.Bus
// MediatedDev/MediatedNotify message types (§4.F) to cross from the
// requesting VM's pCPU to the MVM's and back, since here the MVM is an
// ordinary guest VM rather than privileged in-hypervisor code.
package mediated

import (
	"fmt"
	"sync"

	"github.com/usbarmory/hyperv/ipi"
	"github.com/usbarmory/hyperv/mm"
)

// State is a task's position in the cooperative executor (§9 "Pending/
// Running/Finish states").
type State int

const (
	Pending State = iota
	Running
	Finish
)

// Kind distinguishes the two hypercall-visible request directions.
type Kind uint8

const (
	KindRead Kind = iota
	KindWrite
)

// Blk is one passthrough mediated block device, identified by the
// hva-aliased address of its shared MediatedBlkContent cache (§4.J,
// source's MediatedBlk.base_addr).
type Blk struct {
	ID      uint64
	VMID    uint16
	CachePA uint64
	Avail   bool // not yet assigned to a requesting VM
}

// Task is one in-flight IO request (source's ReadAsyncMsg/WriteAsyncMsg,
// collapsed into a single tagged struct per §9's "tagged variants"
// guidance).
type Task struct {
	ID     uint64
	BlkID  uint64
	VMID   uint16
	Kind   Kind
	Sector uint64
	Count  uint64
	State  State
}

var ErrNoBlkAvailable = fmt.Errorf("mediated: no mediated block device available")

// CompletionFunc is invoked once for every task that reaches Finish, in
// FIFO order, so the caller can write the virtio status byte and inject
// the completion vIRQ.
type CompletionFunc func(t *Task)

// Backend is the mediated IO subsystem: the block device table plus a
// single shared FIFO task queue (a simplification of the source's
// one-executor-per-pCPU model, acceptable here because every mediated
// request is serviced by the single MVM regardless of which pCPU issued
// it).
type Backend struct {
	mu sync.Mutex

	blks   []*Blk
	queue  []*Task
	nextID uint64

	bus        *ipi.Bus
	mvmPCPU    int
	onComplete CompletionFunc
}

// NewBackend creates an empty mediated IO backend. mvmPCPU is the
// physical core the MVM's servicing vCPU runs on, the IPI target for
// MediatedDev notifications.
func NewBackend(bus *ipi.Bus, mvmPCPU int, onComplete CompletionFunc) *Backend {
	return &Backend{bus: bus, mvmPCPU: mvmPCPU, onComplete: onComplete}
}

// Append registers a new mediated block device for vmID at IPA ipa
// (HVC_MEDIATED_DEV_APPEND, source's mediated_dev_append), returning
// its backend-assigned id. kind is the device class tag and currently
// always block (§4.I virtio-mmio is the only mediated transport built).
func (b *Backend) Append(vmID uint16, kind uint8, ipa uint64) (uint64, bool) {
	cachePA, err := mm.Ipa2Hva(vmID, ipa)
	if err != nil {
		return 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	b.blks = append(b.blks, &Blk{ID: id, VMID: vmID, CachePA: cachePA, Avail: true})

	return id, true
}

// CachePA returns the hva-aliased shared cache address of a registered
// block device, for the virtio-blk back-end to copy request data
// to/from once a task reaches Finish.
func (b *Backend) CachePA(id uint64) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	blk, ok := b.blkByID(id)
	if !ok {
		return 0, false
	}

	return blk.CachePA, true
}

// blkByID finds a registered block device; callers hold b.mu.
func (b *Backend) blkByID(id uint64) (*Blk, bool) {
	for _, blk := range b.blks {
		if blk.ID == id {
			return blk, true
		}
	}

	return nil, false
}

// Submit enqueues a new IO request against blk id (source's
// mediated_blk_read/mediated_blk_write), driven by the requesting VM's
// virtio-blk frontend rather than directly by a hypercall. It raises a
// MediatedDev IPI at the MVM's pCPU so the servicing side learns of the
// new task without polling.
func (b *Backend) Submit(blkID uint64, vmID uint16, kind Kind, sector, count uint64) (uint64, error) {
	b.mu.Lock()

	blk, ok := b.blkByID(blkID)
	if !ok {
		b.mu.Unlock()
		return 0, ErrNoBlkAvailable
	}

	id := b.nextID
	b.nextID++

	t := &Task{ID: id, BlkID: blkID, VMID: vmID, Kind: kind, Sector: sector, Count: count, State: Pending}
	b.queue = append(b.queue, t)

	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Send(b.mvmPCPU, ipi.Message{Type: ipi.MediatedDev, A: blk.ID, B: t.ID, C: sector, D: count})
	}

	return id, nil
}

// DevNotify is invoked when the MVM reports a task serviced
// (HVC_MEDIATED_DEV_NOTIFY, source's mediated_blk_notify_handler): it
// marks the task Finish and drains the executor's completed prefix.
func (b *Backend) DevNotify(id uint64, status uint64) bool {
	b.mu.Lock()

	var t *Task
	for _, q := range b.queue {
		if q.ID == id {
			t = q
			break
		}
	}

	if t == nil {
		b.mu.Unlock()
		return false
	}

	t.State = Finish

	b.mu.Unlock()

	b.Exec()

	return true
}

// DrvNotify implements the hvc.MediatedBackend existence check for
// HVC_MEDIATED_DRV_NOTIFY. The actual request enqueue happens via
// Submit, called by the virtio-blk device backend directly (it already
// has sector/count/kind decoded from the descriptor chain); this just
// confirms the target block device is still registered.
func (b *Backend) DrvNotify(id uint64) bool {
	b.mu.Lock()
	_, ok := b.blkByID(id)
	b.mu.Unlock()

	return ok
}

// Exec drains every task at the front of the queue that has reached
// Finish, invoking onComplete for each and removing it, stopping at the
// first still-Pending/Running task (§9 "no re-entrancy; a task cannot
// itself push to the same queue synchronously" — onComplete must not
// call Submit on the same Backend instance it is draining).
func (b *Backend) Exec() {
	for {
		b.mu.Lock()

		if len(b.queue) == 0 || b.queue[0].State != Finish {
			b.mu.Unlock()
			return
		}

		t := b.queue[0]
		b.queue = b.queue[1:]

		b.mu.Unlock()

		if b.onComplete != nil {
			b.onComplete(t)
		}
	}
}

// QueueDepth reports the number of tasks currently queued, for
// diagnostics and tests.
func (b *Backend) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queue)
}
