// Mediated virtio-blk back-end
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package blk implements the virtio-blk device back-end (§4.J): the
// QueueNotify handler parses each request into a mediated.Task, and the
// completion callback copies data through the device's shared cache
// page, writes the used ring and raises the block IRQ.
//
// Grounded on the teacher's kvm/virtio/descriptor.go VirtualQueue
// (Pop/Push, inverted here into ReadChain/PushUsed) and on
// original_source/src/device/virtio/mediated.rs for the request/cache
// relationship.
package blk

import (
	"encoding/binary"
	"sync"

	"github.com/usbarmory/hyperv/hvlog"
	"github.com/usbarmory/hyperv/ipi"
	"github.com/usbarmory/hyperv/mediated"
	"github.com/usbarmory/hyperv/vgic"
	"github.com/usbarmory/hyperv/virtio"
)

// virtio-blk request types (virtio spec 5.2.6).
const (
	TypeIn  = 0 // read
	TypeOut = 1 // write
)

// virtio-blk status byte values.
const (
	StatusOK    = 0
	StatusIOErr = 1
)

// SegMax is VIRTIO_BLK_F_SEG_MAX (§4.J invariant).
const SegMax = 64

// IRQ is the vIRQ raised on request completion (§6 "BLK=0x30").
const IRQ = 0x30

const sectorSize = 512

type inflight struct {
	head      uint16
	statusHVA uint64
	dataIovs  []virtio.Iov
	dataLen   uint32
}

// Blk is one virtio-blk device instance serving a single guest VM's
// frontend through a mediated block device in the MVM.
type Blk struct {
	mu sync.Mutex

	*virtio.Transport
	queue *virtio.Queue

	vmID  uint16
	blkID uint64
	hva   virtio.HVACopier

	backend *mediated.Backend
	dist    *vgic.Distributor
	pcpu    int

	pending map[uint64]inflight
}

// Dispatcher fans mediated completion callbacks out to the Blk instance
// that owns the completed task's blk id (mediated.Backend serves every
// registered block device through one shared completion callback).
type Dispatcher struct {
	mu      sync.Mutex
	backend *mediated.Backend
	blks    map[uint64]*Blk
}

// NewDispatcher creates the shared mediated IO backend for every
// virtio-blk device in the system.
func NewDispatcher(bus *ipi.Bus, mvmPCPU int) *Dispatcher {
	d := &Dispatcher{blks: make(map[uint64]*Blk)}
	d.backend = mediated.NewBackend(bus, mvmPCPU, d.onComplete)

	return d
}

// Backend exposes the shared mediated IO backend so it can be wired
// into hvc.Dispatcher.Mediated (the Mediated hypercall events act on
// the same backend instance virtio-blk's notify path submits against).
func (d *Dispatcher) Backend() *mediated.Backend {
	return d.backend
}

func (d *Dispatcher) onComplete(t *mediated.Task) {
	d.mu.Lock()
	b, ok := d.blks[t.BlkID]
	d.mu.Unlock()

	if ok {
		b.complete(t)
	}
}

// New registers a mediated block device backed by the MVM-owned shared
// cache page at (mvmID, cacheIPA), and returns a virtio-blk Transport
// for the requesting guest vmID. capacitySectors is reported through
// the device config block (virtio-blk spec 5.2.4 "capacity").
func (d *Dispatcher) New(vmID uint16, mvmID uint16, cacheIPA uint64, hva virtio.HVACopier, dist *vgic.Distributor, pcpu int, capacitySectors uint64) (*Blk, bool) {
	blkID, ok := d.backend.Append(mvmID, 0, cacheIPA)
	if !ok {
		return nil, false
	}

	b := &Blk{
		vmID:    vmID,
		blkID:   blkID,
		hva:     hva,
		backend: d.backend,
		dist:    dist,
		pcpu:    pcpu,
		pending: make(map[uint64]inflight),
	}

	b.Transport = virtio.NewTransport(vmID, virtio.DeviceIDBlock, 1, 256, hva, 0, b.notify)
	b.queue = b.Transport.Queue(0)

	cfg := make([]byte, 8)
	binary.LittleEndian.PutUint64(cfg, capacitySectors)
	b.Transport.SetConfig(cfg)

	d.mu.Lock()
	d.blks[blkID] = b
	d.mu.Unlock()

	return b, true
}

// notify drains every chain the guest has published since the last
// QueueNotify (§4.I "loops over available-ring entries").
func (b *Blk) notify(queueIdx int) {
	for {
		head, ok, err := b.queue.PopAvail()
		if err != nil || !ok {
			return
		}

		b.handleRequest(head)
	}
}

// handleRequest parses one descriptor chain into a VirtioBlkReq
// (§4.J step 2) and submits it to the mediated executor. Malformed
// chains are dropped silently (§7 "guest misbehavior ... never crash
// the hypervisor").
func (b *Blk) handleRequest(head uint16) {
	iovs, err := b.queue.ReadChain(head, SegMax)
	if err != nil || len(iovs) < 3 {
		hvlog.Warnf("blk: vm %d dropped malformed request chain: %v", b.vmID, err)
		return
	}

	hdrIov := iovs[0]
	statusIov := iovs[len(iovs)-1]
	dataIovs := iovs[1 : len(iovs)-1]

	hdr := make([]byte, 16)
	b.hva.ReadAt(hdrIov.HVA, hdr)

	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	var dataLen uint32
	for _, iov := range dataIovs {
		dataLen += iov.Length
	}

	kind := mediated.KindRead
	if reqType == TypeOut {
		kind = mediated.KindWrite
		b.copyToCache(dataIovs)
	}

	count := uint64(dataLen) / sectorSize

	taskID, err := b.backend.Submit(b.blkID, b.vmID, kind, sector, count)
	if err != nil {
		b.hva.WriteAt(statusIov.HVA, []byte{StatusIOErr})
		b.queue.PushUsed(head, 1)
		b.signal()
		return
	}

	b.mu.Lock()
	b.pending[taskID] = inflight{head: head, statusHVA: statusIov.HVA, dataIovs: dataIovs, dataLen: dataLen}
	b.mu.Unlock()
}

// complete runs once the MVM has serviced the task (§4.J step 6): for
// a read, the shared cache content is copied into the guest's data
// segments; the status byte and used ring are then published and the
// block IRQ raised.
func (b *Blk) complete(t *mediated.Task) {
	b.mu.Lock()
	p, ok := b.pending[t.ID]
	if ok {
		delete(b.pending, t.ID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	status := byte(StatusOK)

	if t.Kind == mediated.KindRead {
		if !b.copyFromCache(p.dataIovs) {
			status = StatusIOErr
		}
	}

	b.hva.WriteAt(p.statusHVA, []byte{status})

	if err := b.queue.PushUsed(p.head, p.dataLen); err != nil {
		return
	}

	b.signal()
}

func (b *Blk) signal() {
	b.Transport.RaiseUsedIRQ()

	if b.dist != nil {
		b.dist.DeliverSPI(IRQ, b.pcpu, false, false, 0)
	}
}

// copyToCache stages a write request's guest-supplied data into the
// shared cache page ahead of Submit, so the MVM sees it once woken.
func (b *Blk) copyToCache(dataIovs []virtio.Iov) {
	cache, ok := b.backend.CachePA(b.blkID)
	if !ok {
		return
	}

	var off uint64
	for _, iov := range dataIovs {
		buf := make([]byte, iov.Length)
		b.hva.ReadAt(iov.HVA, buf)
		b.hva.WriteAt(cache+off, buf)
		off += uint64(iov.Length)
	}
}

// copyFromCache delivers a completed read request's data from the
// shared cache page into the guest's data segments.
func (b *Blk) copyFromCache(dataIovs []virtio.Iov) bool {
	cache, ok := b.backend.CachePA(b.blkID)
	if !ok {
		return false
	}

	var off uint64
	for _, iov := range dataIovs {
		buf := make([]byte, iov.Length)
		b.hva.ReadAt(cache+off, buf)
		b.hva.WriteAt(iov.HVA, buf)
		off += uint64(iov.Length)
	}

	return true
}
